package append

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/auth"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
)

// LedgerResolver turns the caller's claims into its ledger.
type LedgerResolver interface {
	FromClaims(ctx context.Context) (ledger.Ledger, error)
}

type HTTP struct {
	svc     *Service
	source  *selectors.Source
	ledgers LedgerResolver
}

func NewHTTP(ctx context.Context, svc *Service, source *selectors.Source, ledgers LedgerResolver) (*HTTP, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &HTTP{svc: svc, source: source, ledgers: ledgers}, nil
}

func (h *HTTP) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("POST /append", auth.RequireFunc(auth.RoleAppender, h.post))
}

// appendBody is the POST /append document: an event to append plus an
// optional selector that makes the append atomic. The selector arrives
// either as a URI token string or as a selector document.
type appendBody struct {
	event.Append
	Selector json.RawMessage `json:"selector,omitempty"`
}

func (h *HTTP) post(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "unreadable body", err))
		return
	}
	r.Body.Close()

	var in appendBody
	if err := json.Unmarshal(body, &in); err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "invalid JSON body", err))
		return
	}

	var sel *selector.Selector
	if len(in.Selector) > 0 {
		s, err := parseSelector(in.Selector)
		if err != nil {
			evently.WriteError(w, err)
			return
		}
		sel = &s
	}

	var result Result
	if sel == nil {
		result, err = h.svc.AppendFactual(ctx, led, in.Append)
	} else {
		result, err = h.svc.AppendAtomic(ctx, led, in.Append, *sel)
	}
	if err != nil {
		h.writeFailure(w, led, err)
		return
	}

	switch result.Status {
	case StatusSuccess:
		echo := echoSelector(in.Append, sel).WithAfter(result.EventID)
		token, err := selector.Encode(echo)
		if err != nil {
			evently.WriteError(w, evently.Internal(err))
			return
		}
		w.Header().Set("Location", "/selectors/"+token+".ndjson")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			EventID        string `json:"eventId"`
			IdempotencyKey string `json:"idempotencyKey"`
		}{
			EventID:        result.EventID.String(),
			IdempotencyKey: result.IdempotencyKey,
		})

	case StatusRace:
		current := ""
		if sel != nil {
			if latest, err := h.source.LatestEventID(ctx, led, *sel); err == nil {
				if token, err := selector.Encode(sel.WithAfter(latest)); err == nil {
					current = "/selectors/" + token + ".ndjson"
				}
			} else {
				span.RecordError(err)
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(struct {
			Message string `json:"message"`
			Current string `json:"current,omitempty"`
		}{Message: result.Message, Current: current})

	default:
		evently.WriteError(w, evently.New(evently.KindBadInput, result.Message))
	}
}

// writeFailure renders engine errors, pointing validation failures at
// the registry and reset resources they need.
func (h *HTTP) writeFailure(w http.ResponseWriter, led ledger.Ledger, err error) {
	var e *evently.Error
	if errors.As(err, &e) && e.Kind == evently.KindUnprocessable {
		evently.WriteError(w, evently.New(evently.KindUnprocessable,
			e.Message+"; register event types at /registry/register-event or reset the ledger at /ledgers/"+led.ID+"/reset"))
		return
	}
	evently.WriteError(w, err)
}

// echoSelector is the selector named in the response Location: the
// append's own selector, or the event's entity set for factual appends.
func echoSelector(ev event.Append, sel *selector.Selector) selector.Selector {
	if sel != nil {
		return *sel
	}
	return selector.Selector{Entities: ev.Entities}
}

func parseSelector(raw json.RawMessage) (selector.Selector, error) {
	var token string
	if err := json.Unmarshal(raw, &token); err == nil {
		sel, err := selector.Decode(token)
		if err != nil {
			return selector.Selector{}, evently.Wrap(evently.KindBadInput, "invalid URI part", err)
		}
		return sel, nil
	}

	sel, err := selector.ParseJSON(raw)
	if err != nil {
		return selector.Selector{}, evently.Wrap(evently.KindBadInput, "invalid selector document", err)
	}
	return sel, nil
}
