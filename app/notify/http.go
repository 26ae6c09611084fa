package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/auth"
	"github.com/evently-cloud/rest-api/pkg/hal"
	"github.com/evently-cloud/rest-api/pkg/selector"
)

var upgrader = websocket.Upgrader{
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Service) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("GET /notify", auth.RequireFunc(auth.RoleClient, s.index))
	mux.Handle("POST /notify/open-channel", auth.RequireFunc(auth.RoleClient, s.openChannel))
	mux.Handle("GET /notify/{ch}", auth.RequireFunc(auth.RoleClient, s.getChannel))
	mux.Handle("DELETE /notify/{ch}", auth.RequireFunc(auth.RoleClient, s.closeChannel))
	mux.Handle("GET /notify/{ch}/sse", auth.RequireFunc(auth.RoleClient, s.sse))
	mux.Handle("GET /notify/{ch}/ws", auth.RequireFunc(auth.RoleClient, s.ws))
	mux.Handle("POST /notify/{ch}/subscribe", auth.RequireFunc(auth.RoleClient, s.subscribe))
	mux.Handle("GET /notify/{ch}/subscriptions/{sid}", auth.RequireFunc(auth.RoleClient, s.getSubscription))
	mux.Handle("DELETE /notify/{ch}/subscriptions/{sid}", auth.RequireFunc(auth.RoleClient, s.unsubscribe))
}

func ledgerID(ctx context.Context) (string, error) {
	claims, ok := auth.FromContext(ctx)
	if !ok || claims.Ledger == "" {
		return "", evently.New(evently.KindForbidden, "bearer token is not scoped to a ledger")
	}
	return claims.Ledger, nil
}

func (s *Service) index(w http.ResponseWriter, r *http.Request) {
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self":         {Href: "/notify"},
		"open-channel": {Href: "/notify/open-channel"},
	}, nil))
}

func (s *Service) openChannel(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	id, err := s.Open(ctx, ledger)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	w.Header().Set("Location", "/notify/"+id)
	hal.Write(w, http.StatusCreated, channelDoc(id, nil))
}

func (s *Service) getChannel(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	ch := r.PathValue("ch")
	subs, err := s.Subscriptions(ctx, ledger, ch)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	hal.Write(w, http.StatusOK, channelDoc(ch, subs))
}

func (s *Service) closeChannel(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	if err := s.Close(ctx, ledger, r.PathValue("ch")); err != nil {
		evently.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	ch := r.PathValue("ch")

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "unreadable body", err))
		return
	}
	r.Body.Close()

	sel, err := parseSubscribeBody(body)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	sub, err := s.Subscribe(ctx, ledger, ch, sel)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	w.Header().Set("Location", "/notify/"+ch+"/subscriptions/"+sub.ID)
	hal.Write(w, http.StatusCreated, subscriptionDoc(ch, sub))
}

// parseSubscribeBody accepts either a selector document or
// {"selector": "<token>"}.
func parseSubscribeBody(body []byte) (selector.Selector, error) {
	var wrapped struct {
		Selector string `json:"selector"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Selector != "" {
		sel, err := selector.Decode(wrapped.Selector)
		if err != nil {
			return selector.Selector{}, evently.Wrap(evently.KindBadInput, "invalid URI part", err)
		}
		return sel, nil
	}

	sel, err := selector.ParseJSON(body)
	if err != nil {
		return selector.Selector{}, evently.Wrap(evently.KindBadInput, "invalid selector document", err)
	}
	return sel, nil
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	ch := r.PathValue("ch")
	sub, err := s.Subscription(ctx, ledger, ch, r.PathValue("sid"))
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	hal.Write(w, http.StatusOK, subscriptionDoc(ch, sub))
}

func (s *Service) unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	if err := s.Unsubscribe(ctx, ledger, r.PathValue("ch"), r.PathValue("sid")); err != nil {
		evently.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sse streams "Subscriptions Triggered" messages until the client
// disconnects or the channel closes.
func (s *Service) sse(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	q, err := s.OpenEventStream(ctx, ledger, r.PathValue("ch"), r.Header.Get("Last-Event-Id"))
	if err != nil {
		evently.WriteError(w, err)
		return
	}
	defer q.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		evently.WriteError(w, evently.New(evently.KindBadInput, "response does not support streaming"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		msg, ok, err := q.Pull(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				span.RecordError(err)
			}
			return
		}
		if !ok {
			return
		}
		if _, err := io.WriteString(w, msg.SSE()); err != nil {
			span.RecordError(err)
			return
		}
		flusher.Flush()
	}
}

// ws mirrors the SSE stream over a websocket for clients that cannot
// hold an EventSource open.
func (s *Service) ws(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	ledger, err := ledgerID(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	q, err := s.OpenEventStream(ctx, ledger, r.PathValue("ch"), r.Header.Get("Last-Event-Id"))
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		q.Close()
		span.RecordError(err)
		return
	}
	defer c.Close()
	defer q.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.SetCloseHandler(func(code int, text string) error {
		cancel()
		return nil
	})
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		msg, ok, err := q.Pull(ctx)
		if err != nil || !ok {
			return
		}
		out := struct {
			ID            string   `json:"id"`
			Event         string   `json:"event"`
			Subscriptions []string `json:"subscriptions"`
		}{ID: msg.EventID, Event: TriggeredEvent, Subscriptions: msg.SubscriptionIDs}

		b, err := json.Marshal(out)
		if err != nil {
			span.RecordError(err)
			return
		}
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			span.RecordError(err)
			return
		}
	}
}

func channelDoc(ch string, subs []Subscription) map[string]any {
	docs := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		docs = append(docs, subscriptionDoc(ch, sub))
	}
	return hal.Document(map[string]hal.Link{
		"self":      {Href: "/notify/" + ch},
		"subscribe": {Href: "/notify/" + ch + "/subscribe"},
		"sse":       {Href: "/notify/" + ch + "/sse"},
	}, map[string]any{
		"channelId":     ch,
		"subscriptions": docs,
	})
}

func subscriptionDoc(ch string, sub Subscription) map[string]any {
	return hal.Document(map[string]hal.Link{
		"self":     {Href: "/notify/" + ch + "/subscriptions/" + sub.ID},
		"selector": {Href: "/selectors/" + sub.Selector + ".ndjson"},
	}, map[string]any{
		"subscriptionId": sub.ID,
		"selector":       sub.Selector,
	})
}
