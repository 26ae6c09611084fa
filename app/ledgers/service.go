// package ledgers manages the ledger catalog: create, resolve, reset,
// remove, and the admin HTTP surface.
package ledgers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
	"github.com/evently-cloud/rest-api/pkg/store"
)

const (
	cacheSize = 1000
	cacheTTL  = 5 * time.Second
)

// Store is the slice of the database client the ledgers service needs.
type Store interface {
	CreateLedger(ctx context.Context, name, description string) (string, error)
	ListLedgers(ctx context.Context) ([]store.LedgerRow, error)
	LedgerEventCount(ctx context.Context, ledgerID string) (int64, error)
	ResetLedgerEvents(ctx context.Context, ledgerID string, after store.Position) error
	RemoveLedger(ctx context.Context, ledgerID string) error
	AfterExists(ctx context.Context, ledgerID string, after store.Position) (bool, error)
}

type Service struct {
	db     Store
	source *selectors.Source

	cache  *expirable.LRU[string, ledger.Ledger]
	flight singleflight.Group
}

func New(ctx context.Context, db Store, source *selectors.Source) (*Service, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &Service{
		db:     db,
		source: source,
		cache:  expirable.NewLRU[string, ledger.Ledger](cacheSize, nil, cacheTTL),
	}, nil
}

// Create makes a ledger, resolving a duplicate name to the existing
// ledger.
func (s *Service) Create(ctx context.Context, name, description string) (ledger.Ledger, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	id, err := s.db.CreateLedger(ctx, name, description)
	if err != nil {
		if !store.IsUniqueViolation(err, "") {
			return ledger.Ledger{}, classify(err)
		}
		id, err = s.findByName(ctx, name)
		if err != nil {
			return ledger.Ledger{}, err
		}
	}

	s.cache.Remove(id)

	led, ok, err := s.ForLedgerID(ctx, id)
	if err != nil {
		return ledger.Ledger{}, err
	}
	if !ok {
		return ledger.Ledger{}, evently.New(evently.KindForbidden,
			fmt.Sprintf("ledger %q exists but cannot be resolved", name))
	}
	return led, nil
}

func (s *Service) findByName(ctx context.Context, name string) (string, error) {
	rows, err := s.db.ListLedgers(ctx)
	if err != nil {
		return "", classify(err)
	}
	for _, row := range rows {
		if row.Name == name {
			return row.ID, nil
		}
	}
	return "", evently.New(evently.KindForbidden,
		fmt.Sprintf("ledger %q exists but cannot be resolved", name))
}

// List reads the catalog without resolving genesis markers.
func (s *Service) List(ctx context.Context) ([]store.LedgerRow, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	rows, err := s.db.ListLedgers(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return rows, nil
}

// ForLedgerID resolves a ledger from its genesis marker. Lookups share
// an in-flight fetch and land in a bounded TTL cache.
func (s *Service) ForLedgerID(ctx context.Context, id string) (ledger.Ledger, bool, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if led, ok := s.cache.Get(id); ok {
		return led, true, nil
	}

	v, err, _ := s.flight.Do(id, func() (any, error) {
		led, ok, err := s.readGenesis(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		s.cache.Add(id, led)
		return led, nil
	})
	if err != nil {
		return ledger.Ledger{}, false, err
	}
	if v == nil {
		return ledger.Ledger{}, false, nil
	}
	return v.(ledger.Ledger), true, nil
}

func (s *Service) readGenesis(ctx context.Context, id string) (ledger.Ledger, bool, error) {
	stream, err := s.source.Filter(ctx, ledger.Ledger{ID: id}, selector.Selector{
		Events: map[string]selector.Query{ledger.GenesisEvent: {Query: "$"}},
		Limit:  1,
	})
	if err != nil {
		return ledger.Ledger{}, false, err
	}

	genesis, ok := <-stream.Events()
	for range stream.Events() {
		// drain
	}
	if err := stream.Err(); err != nil {
		return ledger.Ledger{}, false, err
	}
	if !ok {
		return ledger.Ledger{}, false, nil
	}

	var doc struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if len(genesis.Data) > 0 {
		if err := json.Unmarshal(genesis.Data, &doc); err != nil {
			return ledger.Ledger{}, false, evently.Internal(err)
		}
	}

	genesisID, err := genesis.ID()
	if err != nil {
		return ledger.Ledger{}, false, evently.Internal(err)
	}

	return ledger.Ledger{
		ID:          id,
		Name:        doc.Name,
		Description: doc.Description,
		Genesis:     genesisID,
	}, true, nil
}

// Reset trims all events after the given id, or back to genesis when
// absent. Not synchronized with in-flight streams.
func (s *Service) Reset(ctx context.Context, led ledger.Ledger, after *eventid.EventID) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	pos := store.Position{}
	if after != nil {
		if after.LedgerID != led.ID {
			return evently.New(evently.KindBadInput,
				fmt.Sprintf("'after' %s belongs to another ledger", after))
		}
		pos = store.Position{Timestamp: int64(after.Timestamp), Checksum: after.Checksum}
		ok, err := s.db.AfterExists(ctx, led.ID, pos)
		if err != nil {
			return classify(err)
		}
		if !ok {
			return evently.New(evently.KindBadInput,
				fmt.Sprintf("'after' event id %s not found", after))
		}
	}

	if err := s.db.ResetLedgerEvents(ctx, led.ID, pos); err != nil {
		return classify(err)
	}
	return nil
}

// Remove deletes the ledger and drops it from the cache.
func (s *Service) Remove(ctx context.Context, led ledger.Ledger) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if err := s.db.RemoveLedger(ctx, led.ID); err != nil {
		return classify(err)
	}
	s.cache.Remove(led.ID)
	return nil
}

// EventCount reads the ledger's current event count.
func (s *Service) EventCount(ctx context.Context, led ledger.Ledger) (int64, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	n, err := s.db.LedgerEventCount(ctx, led.ID)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func classify(err error) error {
	if store.IsUnavailable(err) {
		return evently.Wrap(evently.KindUnavailable, "database unavailable", err)
	}
	return evently.Internal(err)
}
