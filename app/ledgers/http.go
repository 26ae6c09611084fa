package ledgers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/auth"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/hal"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
)

// FromClaims resolves the ledger the bearer token is scoped to.
func (s *Service) FromClaims(ctx context.Context) (ledger.Ledger, error) {
	claims, ok := auth.FromContext(ctx)
	if !ok || claims.Ledger == "" {
		return ledger.Ledger{}, evently.New(evently.KindForbidden,
			"bearer token is not scoped to a ledger")
	}
	led, found, err := s.ForLedgerID(ctx, claims.Ledger)
	if err != nil {
		return ledger.Ledger{}, err
	}
	if !found {
		return ledger.Ledger{}, evently.New(evently.KindNotFound,
			fmt.Sprintf("ledger %q not found", claims.Ledger))
	}
	return led, nil
}

// HTTP is the ledger admin surface. Downloads delegate their streaming
// to the selector service.
type HTTP struct {
	svc       *Service
	selectors *selectors.Service
}

func NewHTTP(ctx context.Context, svc *Service, sel *selectors.Service) (*HTTP, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &HTTP{svc: svc, selectors: sel}, nil
}

func (h *HTTP) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("GET /ledgers", auth.RequireFunc(auth.RoleAdmin, h.list))
	mux.Handle("POST /ledgers/create-ledger", auth.RequireFunc(auth.RoleAdmin, h.create))
	mux.Handle("GET /ledgers/{id}", auth.RequireFunc(auth.RoleAdmin, h.get))
	mux.Handle("DELETE /ledgers/{id}", auth.RequireFunc(auth.RoleAdmin, h.remove))
	mux.Handle("POST /ledgers/{id}/reset", auth.RequireFunc(auth.RoleAdmin, h.reset))
	mux.Handle("GET /ledgers/{id}/event-count", auth.RequireFunc(auth.RoleAdmin, h.eventCount))
	mux.Handle("POST /ledgers/{id}/download", auth.RequireFunc(auth.RoleAdmin, h.downloadLookup))
	mux.Handle("HEAD /ledgers/{id}/download/{select}", auth.RequireFunc(auth.RoleAdmin, h.downloadHead))
	mux.Handle("GET /ledgers/{id}/download/{select}", auth.RequireFunc(auth.RoleAdmin, h.download))
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	rows, err := h.svc.List(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, hal.Document(map[string]hal.Link{
			"self": {Href: "/ledgers/" + row.ID},
		}, map[string]any{
			"id":          row.ID,
			"name":        row.Name,
			"description": row.Description,
		}))
	}

	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self":          {Href: "/ledgers"},
		"create-ledger": {Href: "/ledgers/create-ledger"},
	}, map[string]any{
		"ledgers": items,
	}))
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := readJSON(r, &in); err != nil {
		evently.WriteError(w, err)
		return
	}
	if in.Name == "" {
		evently.WriteError(w, evently.New(evently.KindBadInput, "ledger name is required"))
		return
	}

	led, err := h.svc.Create(ctx, in.Name, in.Description)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	w.Header().Set("Location", "/ledgers/"+led.ID)
	hal.Write(w, http.StatusCreated, ledgerDoc(led))
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.byPath(ctx, r)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	doc := ledgerDoc(led)
	if n, err := h.svc.EventCount(ctx, led); err == nil {
		doc["eventCount"] = n
	} else {
		span.RecordError(err)
	}
	hal.Write(w, http.StatusOK, doc)
}

func (h *HTTP) remove(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.byPath(ctx, r)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	if err := h.svc.Remove(ctx, led); err != nil {
		evently.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) reset(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.byPath(ctx, r)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	var in struct {
		After string `json:"after"`
	}
	if err := readJSON(r, &in); err != nil {
		evently.WriteError(w, err)
		return
	}

	var after *eventid.EventID
	if in.After != "" {
		id, err := eventid.Parse(in.After)
		if err != nil {
			evently.WriteError(w, evently.Wrap(evently.KindBadInput, "invalid event id", err))
			return
		}
		after = &id
	}

	if err := h.svc.Reset(ctx, led, after); err != nil {
		evently.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) eventCount(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.byPath(ctx, r)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	n, err := h.svc.EventCount(ctx, led)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self":   {Href: "/ledgers/" + led.ID + "/event-count"},
		"ledger": {Href: "/ledgers/" + led.ID},
	}, map[string]any{
		"eventCount": n,
	}))
}

// downloadLookup resolves a plain selector body to its download URI.
func (h *HTTP) downloadLookup(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.byPath(ctx, r)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "unreadable body", err))
		return
	}
	r.Body.Close()

	sel := selector.Selector{}
	if len(body) > 0 {
		sel, err = selector.ParseJSON(body)
		if err != nil {
			evently.WriteError(w, evently.Wrap(evently.KindBadInput, "invalid selector document", err))
			return
		}
	}
	if sel.IsFilter() {
		evently.WriteError(w, evently.New(evently.KindUnprocessable,
			"ledger downloads take a plain selector"))
		return
	}

	token, err := selector.Encode(sel)
	if err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "invalid selector document", err))
		return
	}

	w.Header().Set("Location", "/ledgers/"+led.ID+"/download/"+token+".ndjson")
	w.WriteHeader(http.StatusSeeOther)
}

func (h *HTTP) downloadHead(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, sel, err := h.downloadSelector(ctx, r)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	h.selectors.ServeHead(w, r, led, sel, "/ledgers/"+led.ID+"/download/")
}

func (h *HTTP) download(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, sel, err := h.downloadSelector(ctx, r)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	h.selectors.ServeStream(w, r, led, sel, "/ledgers/"+led.ID+"/download/")
}

func (h *HTTP) downloadSelector(ctx context.Context, r *http.Request) (ledger.Ledger, selector.Selector, error) {
	led, err := h.byPath(ctx, r)
	if err != nil {
		return ledger.Ledger{}, selector.Selector{}, err
	}
	sel, err := selectors.DecodePart(r.PathValue("select"))
	if err != nil {
		return ledger.Ledger{}, selector.Selector{}, err
	}
	if sel.IsFilter() {
		return ledger.Ledger{}, selector.Selector{}, evently.New(evently.KindBadInput,
			"ledger downloads take a plain selector")
	}
	return led, sel, nil
}

func (h *HTTP) byPath(ctx context.Context, r *http.Request) (ledger.Ledger, error) {
	id := r.PathValue("id")
	led, ok, err := h.svc.ForLedgerID(ctx, id)
	if err != nil {
		return ledger.Ledger{}, err
	}
	if !ok {
		return ledger.Ledger{}, evently.New(evently.KindNotFound,
			fmt.Sprintf("ledger %q not found", id))
	}
	return led, nil
}

func ledgerDoc(led ledger.Ledger) map[string]any {
	return hal.Document(map[string]hal.Link{
		"self":     {Href: "/ledgers/" + led.ID},
		"reset":    {Href: "/ledgers/" + led.ID + "/reset"},
		"download": {Href: "/ledgers/" + led.ID + "/download"},
	}, map[string]any{
		"id":          led.ID,
		"name":        led.Name,
		"description": led.Description,
		"genesis":     led.Genesis.String(),
	})
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return evently.Wrap(evently.KindBadInput, "unreadable body", err)
	}
	r.Body.Close()
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return evently.Wrap(evently.KindBadInput, "invalid JSON body", err)
	}
	return nil
}
