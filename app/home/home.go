// package home serves the root hypermedia index and the health probe.
package home

import (
	"context"
	"net/http"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/hal"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	db Pinger
}

func New(ctx context.Context, db Pinger) (*Service, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &Service{db: db}, nil
}

func (s *Service) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.index)
	mux.HandleFunc("GET /healthz", s.healthz)
}

func (s *Service) index(w http.ResponseWriter, r *http.Request) {
	hal.Write(w, http.StatusOK, hal.Document(map[string]hal.Link{
		"self":      {Href: "/"},
		"ledgers":   {Href: "/ledgers"},
		"registry":  {Href: "/registry"},
		"selectors": {Href: "/selectors"},
		"append":    {Href: "/append"},
		"notify":    {Href: "/notify"},
	}, nil))
}

func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	if err := s.db.Ping(ctx); err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindUnavailable, "database unavailable", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
