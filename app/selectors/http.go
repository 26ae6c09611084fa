package selectors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	contentnegotiation "gitlab.com/jamietanna/content-negotiation-go"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/auth"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
)

// LedgerResolver turns the caller's claims into the ledger it may read.
type LedgerResolver interface {
	FromClaims(ctx context.Context) (ledger.Ledger, error)
}

// Service is the selector HTTP surface.
type Service struct {
	source  *Source
	ledgers LedgerResolver
}

func NewService(ctx context.Context, source *Source, ledgers LedgerResolver) (*Service, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &Service{source: source, ledgers: ledgers}, nil
}

func (s *Service) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("POST /selectors",
		auth.RequireFunc(auth.RoleReader, s.postLookup))
	mux.Handle("HEAD /selectors/{select}",
		auth.RequireFunc(auth.RoleReader, s.headSelector))
	mux.Handle("GET /selectors/{select}",
		auth.RequireFunc(auth.RoleReader, s.getSelector))
}

func (s *Service) headSelector(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, sel, err := s.resolve(ctx, r.PathValue("select"))
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	if _, err := s.position(ctx, w, led, sel, "/selectors/"); err != nil {
		evently.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) getSelector(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, sel, err := s.resolve(ctx, r.PathValue("select"))
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	s.serveStream(w, r, led, sel, "/selectors/", false)
}

// ServeStream runs the selector and streams NDJSON, honoring ETag
// revalidation. Ledger downloads share this handler under their own
// path prefix.
func (s *Service) ServeStream(w http.ResponseWriter, r *http.Request, led ledger.Ledger, sel selector.Selector, prefix string) {
	s.serveStream(w, r, led, sel, prefix, true)
}

func (s *Service) serveStream(w http.ResponseWriter, r *http.Request, led ledger.Ledger, sel selector.Selector, prefix string, allowPlain bool) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	etag, err := s.position(ctx, w, led, sel, prefix)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var stream *Stream
	if sel.IsFilter() {
		stream, err = s.source.Filter(ctx, led, sel)
	} else if allowPlain {
		stream, err = s.source.All(ctx, led, sel)
	} else {
		err = evently.New(evently.KindBadInput,
			"selector has no filter clauses; plain selectors download through the ledger")
	}
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.WriteHeader(http.StatusOK)

	nw := newNDJSONWriter(w)
	for ev := range stream.Events() {
		if err := nw.Write(ev); err != nil {
			span.RecordError(err)
			return
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
	}
	if err := nw.Flush(); err != nil {
		span.RecordError(err)
	}
}

// ServeHead computes the position headers without a body, for ledger
// download HEAD requests.
func (s *Service) ServeHead(w http.ResponseWriter, r *http.Request, led ledger.Ledger, sel selector.Selector, prefix string) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	if _, err := s.position(ctx, w, led, sel, prefix); err != nil {
		evently.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// position resolves the ledger position the selector reads through and
// sets the shared response headers: ETag, cache policy, and the start
// and current link relations.
func (s *Service) position(ctx context.Context, w http.ResponseWriter, led ledger.Ledger, sel selector.Selector, prefix string) (string, error) {
	latest, err := s.source.LatestEventID(ctx, led, sel)
	if err != nil {
		return "", err
	}

	startToken, err := selector.Encode(sel)
	if err != nil {
		return "", err
	}
	currentToken, err := selector.Encode(sel.WithAfter(latest))
	if err != nil {
		return "", err
	}

	etag := `"` + latest.String() + `"`
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "private,max-age=0")
	h.Add("Link", fmt.Sprintf(`<%s%s.ndjson>; rel="start"`, prefix, startToken))
	h.Add("Link", fmt.Sprintf(`<%s%s.ndjson>; rel="current"`, prefix, currentToken))

	return etag, nil
}

// postLookup accepts a filter selector document and either redirects to
// its GET form or, under Prefer: return=representation, streams inline.
func (s *Service) postLookup(w http.ResponseWriter, r *http.Request) {
	ctx, span := lg.Span(r.Context())
	defer span.End()

	led, err := s.ledgers.FromClaims(ctx)
	if err != nil {
		evently.WriteError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "unreadable body", err))
		return
	}
	r.Body.Close()

	sel, err := selector.ParseJSON(body)
	if err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "invalid selector document", err))
		return
	}
	if !sel.IsFilter() {
		evently.WriteError(w, evently.New(evently.KindUnprocessable,
			"lookup requires a filter selector"))
		return
	}

	token, err := selector.Encode(sel)
	if err != nil {
		evently.WriteError(w, evently.Wrap(evently.KindBadInput, "invalid selector document", err))
		return
	}
	location := "/selectors/" + token + ".ndjson"

	if prefersRepresentation(r) {
		negotiator := contentnegotiation.NewNegotiator("application/x-ndjson", "application/json")
		if accept := r.Header.Get("Accept"); accept != "" {
			if _, _, err := negotiator.Negotiate(accept); err != nil {
				evently.WriteError(w, evently.New(evently.KindBadInput,
					"selector results are served as application/x-ndjson"))
				return
			}
		}
		w.Header().Set("Content-Location", location)
		w.Header().Set("Preference-Applied", "return=representation")
		s.serveStream(w, r, led, sel, "/selectors/", false)
		return
	}

	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusSeeOther)
}

func (s *Service) resolve(ctx context.Context, part string) (ledger.Ledger, selector.Selector, error) {
	led, err := s.ledgers.FromClaims(ctx)
	if err != nil {
		return ledger.Ledger{}, selector.Selector{}, err
	}
	sel, err := DecodePart(part)
	if err != nil {
		return ledger.Ledger{}, selector.Selector{}, err
	}
	return led, sel, nil
}

// DecodePart reads the `{token}.ndjson` path segment.
func DecodePart(part string) (selector.Selector, error) {
	token, ok := strings.CutSuffix(part, ".ndjson")
	if !ok {
		return selector.Selector{}, evently.New(evently.KindBadInput, "invalid URI part")
	}
	sel, err := selector.Decode(token)
	if err != nil {
		return selector.Selector{}, mapSelectorErr(err)
	}
	return sel, nil
}

func mapSelectorErr(err error) error {
	return evently.Wrap(evently.KindBadInput, "invalid URI part", err)
}

func prefersRepresentation(r *http.Request) bool {
	for _, pref := range r.Header.Values("Prefer") {
		for _, p := range strings.Split(pref, ",") {
			if strings.TrimSpace(p) == "return=representation" {
				return true
			}
		}
	}
	return false
}
