// package registry derives the permitted event types of a ledger.
//
// There is no registry table. The registry is the fold of two marker
// events stored in the ledger itself, tagged with the reserved "📒"
// entity: EVENT_REGISTERED records a type and its entities,
// EVENT_UNREGISTERED removes it. A type is registered iff its last
// marker is a registration.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
	"github.com/evently-cloud/rest-api/pkg/set"
	"github.com/evently-cloud/rest-api/pkg/store"
)

const (
	EventRegistered   = "EVENT_REGISTERED"
	EventUnregistered = "EVENT_UNREGISTERED"

	cacheSize = 1000
	cacheTTL  = 10 * time.Second
)

// factualPredicate never matches, so marker appends skip race checks.
var factualPredicate = []byte("false")

// Entry is one registered event type and the entity names its events
// may carry.
type Entry struct {
	Event    string   `json:"event"`
	Entities []string `json:"entities"`
}

// Store is the slice of the database client the registry needs for
// writing markers.
type Store interface {
	AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data json.RawMessage, appendKey string, predicate []byte) (uuid.UUID, error)
}

type Service struct {
	db     Store
	source *selectors.Source

	cache  *expirable.LRU[string, []Entry]
	flight singleflight.Group
}

func New(ctx context.Context, db Store, source *selectors.Source) (*Service, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	return &Service{
		db:     db,
		source: source,
		cache:  expirable.NewLRU[string, []Entry](cacheSize, nil, cacheTTL),
	}, nil
}

// AllEvents folds the ledger's markers into its registered event types.
func (s *Service) AllEvents(ctx context.Context, led ledger.Ledger) ([]Entry, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if entries, ok := s.cache.Get(led.ID); ok {
		return entries, nil
	}

	v, err, _ := s.flight.Do(led.ID, func() (any, error) {
		entries, err := s.fold(ctx, led)
		if err != nil {
			return nil, err
		}
		s.cache.Add(led.ID, entries)
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (s *Service) fold(ctx context.Context, led ledger.Ledger) ([]Entry, error) {
	stream, err := s.source.Filter(ctx, led, selector.Selector{
		Events: map[string]selector.Query{
			EventRegistered:   {Query: "$"},
			EventUnregistered: {Query: "$"},
		},
	})
	if err != nil {
		return nil, err
	}

	registered := map[string][]string{}
	var order []string
	for ev := range stream.Events() {
		var marker struct {
			Event    string   `json:"event"`
			Entities []string `json:"entities"`
		}
		if err := json.Unmarshal(ev.Data, &marker); err != nil {
			return nil, evently.Internal(fmt.Errorf("bad registry marker %s: %w", ev.EventID, err))
		}

		switch ev.Event {
		case EventRegistered:
			if _, ok := registered[marker.Event]; !ok {
				order = append(order, marker.Event)
			}
			registered[marker.Event] = marker.Entities
		case EventUnregistered:
			delete(registered, marker.Event)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(registered))
	for _, name := range order {
		if entities, ok := registered[name]; ok {
			entries = append(entries, Entry{Event: name, Entities: entities})
			delete(registered, name)
		}
	}
	return entries, nil
}

// GetEvent looks up one registered event type.
func (s *Service) GetEvent(ctx context.Context, led ledger.Ledger, name string) (Entry, bool, error) {
	entries, err := s.AllEvents(ctx, led)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Event == name {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Entities lists every entity name any registered event type carries.
func (s *Service) Entities(ctx context.Context, led ledger.Ledger) ([]string, error) {
	entries, err := s.AllEvents(ctx, led)
	if err != nil {
		return nil, err
	}
	names := set.New[string]()
	for _, e := range entries {
		names.Add(e.Entities...)
	}
	return set.Strings(names), nil
}

// EventsForEntity lists the event types tagged with an entity name.
func (s *Service) EventsForEntity(ctx context.Context, led ledger.Ledger, entity string) ([]Entry, error) {
	entries, err := s.AllEvents(ctx, led)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if set.New(e.Entities...).Has(entity) {
			out = append(out, e)
		}
	}
	return out, nil
}

// RegisterEventType records an event type. Re-registering with the same
// entity set, in any order, is a no-op.
func (s *Service) RegisterEventType(ctx context.Context, led ledger.Ledger, name string, entities []string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if name == "" {
		return evently.New(evently.KindBadInput, "event name is required")
	}
	if name == EventRegistered || name == EventUnregistered || name == ledger.GenesisEvent {
		return evently.New(evently.KindForbidden, fmt.Sprintf("event name %q is reserved", name))
	}
	for _, entity := range entities {
		if entity == ledger.ReservedEntity {
			return evently.New(evently.KindForbidden,
				fmt.Sprintf("entity name %q is reserved", ledger.ReservedEntity))
		}
	}

	existing, ok, err := s.GetEvent(ctx, led, name)
	if err != nil {
		return err
	}
	if ok && set.New(existing.Entities...).Equal(set.New(entities...)) {
		return nil
	}

	if err := s.appendMarker(ctx, led, EventRegistered, Entry{Event: name, Entities: entities}); err != nil {
		return err
	}
	s.cache.Remove(led.ID)
	return nil
}

// DeleteEvent unregisters an event type.
func (s *Service) DeleteEvent(ctx context.Context, led ledger.Ledger, name string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	_, ok, err := s.GetEvent(ctx, led, name)
	if err != nil {
		return err
	}
	if !ok {
		return evently.New(evently.KindNotFound, fmt.Sprintf("event %q is not registered", name))
	}

	if err := s.appendMarker(ctx, led, EventUnregistered, Entry{Event: name}); err != nil {
		return err
	}
	s.cache.Remove(led.ID)
	return nil
}

func (s *Service) appendMarker(ctx context.Context, led ledger.Ledger, marker string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return evently.Internal(err)
	}
	entities, err := json.Marshal(map[string][]string{ledger.ReservedEntity: {led.ID}})
	if err != nil {
		return evently.Internal(err)
	}

	previous := eventid.EventID{LedgerID: led.ID}
	_, err = s.db.AppendEvent(ctx, previous.UUID(), marker, entities, nil, data,
		ulid.Make().String(), factualPredicate)
	if err != nil {
		if store.IsUnavailable(err) {
			return evently.Wrap(evently.KindUnavailable, "database unavailable", err)
		}
		return evently.Internal(err)
	}
	return nil
}
