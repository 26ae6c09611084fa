package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/auth"
	"github.com/evently-cloud/rest-api/pkg/hal"
	"github.com/evently-cloud/rest-api/pkg/ledger"
)

// LedgerResolver turns the caller's claims into its ledger.
type LedgerResolver interface {
	FromClaims(ctx context.Context) (ledger.Ledger, error)
}

type HTTP struct {
	svc     *Service
	ledgers LedgerResolver
}

func NewHTTP(ctx context.Context, svc *Service, ledgers LedgerResolver) (*HTTP, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &HTTP{svc: svc, ledgers: ledgers}, nil
}

func (h *HTTP) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("GET /registry", auth.RequireFunc(auth.RoleRegistrar, h.index))
	mux.Handle("GET /registry/register-event", auth.RequireFunc(auth.RoleRegistrar, h.registerForm))
	mux.Handle("POST /registry/register-event", auth.RequireFunc(auth.RoleRegistrar, h.register))
	mux.Handle("GET /registry/events", auth.RequireFunc(auth.RoleRegistrar, h.events))
	mux.Handle("GET /registry/events/{event}", auth.RequireFunc(auth.RoleRegistrar, h.getEvent))
	mux.Handle("DELETE /registry/events/{event}", auth.RequireFunc(auth.RoleRegistrar, h.deleteEvent))
	mux.Handle("GET /registry/entities", auth.RequireFunc(auth.RoleRegistrar, h.entities))
	mux.Handle("GET /registry/entities/{entity}", auth.RequireFunc(auth.RoleRegistrar, h.entity))
}

func (h *HTTP) index(w http.ResponseWriter, r *http.Request) {
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self":           {Href: "/registry"},
		"register-event": {Href: "/registry/register-event"},
		"events":         {Href: "/registry/events"},
		"entities":       {Href: "/registry/entities"},
	}, nil))
}

func (h *HTTP) registerForm(w http.ResponseWriter, r *http.Request) {
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self": {Href: "/registry/register-event"},
	}, map[string]any{
		"template": map[string]any{
			"event":    "name of the event type",
			"entities": []string{"entity names events of this type may carry"},
		},
	}))
}

func (h *HTTP) register(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	var in Entry
	if err := readJSON(r, &in); err != nil {
		evently.WriteError(w, err)
		return
	}

	if err := h.svc.RegisterEventType(ctx, led, in.Event, in.Entities); err != nil {
		evently.WriteError(w, err)
		return
	}

	w.Header().Set("Location", "/registry/events/"+in.Event)
	hal.Write(w, http.StatusCreated, entryDoc(in))
}

func (h *HTTP) events(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	entries, err := h.svc.AllEvents(ctx, led)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	docs := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, entryDoc(e))
	}
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self": {Href: "/registry/events"},
	}, map[string]any{
		"events": docs,
	}))
}

func (h *HTTP) getEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	name := r.PathValue("event")
	entry, ok, err := h.svc.GetEvent(ctx, led, name)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	if !ok {
		evently.WriteError(w, evently.New(evently.KindNotFound,
			fmt.Sprintf("event %q is not registered", name)))
		return
	}
	hal.Write(w, http.StatusOK, entryDoc(entry))
}

func (h *HTTP) deleteEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	if err := h.svc.DeleteEvent(ctx, led, r.PathValue("event")); err != nil {
		evently.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) entities(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	names, err := h.svc.Entities(ctx, led)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self": {Href: "/registry/entities"},
	}, map[string]any{
		"entities": names,
	}))
}

func (h *HTTP) entity(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := h.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	name := r.PathValue("entity")
	entries, err := h.svc.EventsForEntity(ctx, led, name)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	if len(entries) == 0 {
		evently.WriteError(w, evently.New(evently.KindNotFound,
			fmt.Sprintf("entity %q is not registered", name)))
		return
	}

	docs := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, entryDoc(e))
	}
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self": {Href: "/registry/entities/" + name},
	}, map[string]any{
		"entity": name,
		"events": docs,
	}))
}

func entryDoc(e Entry) map[string]any {
	return hal.Document(map[string]hal.Link{
		"self": {Href: "/registry/events/" + e.Event},
	}, map[string]any{
		"event":    e.Event,
		"entities": e.Entities,
	})
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return evently.Wrap(evently.KindBadInput, "unreadable body", err)
	}
	r.Body.Close()
	if len(body) == 0 {
		return evently.New(evently.KindBadInput, "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return evently.Wrap(evently.KindBadInput, "invalid JSON body", err)
	}
	return nil
}
