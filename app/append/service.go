// package append writes events to a ledger under factual or atomic
// semantics and owns the idempotent replay rules.
package append

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/app/registry"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
	"github.com/evently-cloud/rest-api/pkg/set"
	"github.com/evently-cloud/rest-api/pkg/store"
)

type Status int

const (
	StatusSuccess Status = iota + 1
	StatusRace
	StatusError
)

// Result is the outcome of an append. Race and Error outcomes are data,
// not Go errors: the HTTP layer renders them as 409 and 400 bodies.
type Result struct {
	Status         Status
	EventID        eventid.EventID
	IdempotencyKey string
	Message        string
}

// factualPredicate never matches any event, so a factual append cannot
// lose a race.
var factualPredicate = []byte("false")

// Store is the slice of the database client the engine needs.
type Store interface {
	AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data json.RawMessage, appendKey string, predicate []byte) (uuid.UUID, error)
	FindWithAppendKey(ctx context.Context, ledgerID, key string) (store.Row, bool, error)
}

// Registry validates event names and entities before any write.
type Registry interface {
	GetEvent(ctx context.Context, led ledger.Ledger, name string) (registry.Entry, bool, error)
}

type Service struct {
	db       Store
	registry Registry

	mAppends metric.Int64Counter
}

func New(ctx context.Context, db Store, reg Registry) (*Service, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	s := &Service{db: db, registry: reg}

	var err error
	s.mAppends, err = lg.Meter(ctx).Int64Counter("events_appended")
	if err != nil {
		span.RecordError(err)
	}

	return s, nil
}

// AppendFactual writes unconditionally.
func (s *Service) AppendFactual(ctx context.Context, led ledger.Ledger, ev event.Append) (Result, error) {
	return s.append(ctx, led, ev, nil)
}

// AppendAtomic writes only when no event matching the selector exists
// after the selector's position.
func (s *Service) AppendAtomic(ctx context.Context, led ledger.Ledger, ev event.Append, sel selector.Selector) (Result, error) {
	if !sel.IsFilter() {
		return Result{}, evently.New(evently.KindBadInput,
			"append selector must carry filter clauses; plain selectors are download-only")
	}
	return s.append(ctx, led, ev, &sel)
}

func (s *Service) append(ctx context.Context, led ledger.Ledger, ev event.Append, sel *selector.Selector) (Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	if err := s.validate(ctx, led, ev); err != nil {
		return Result{}, err
	}

	previous := eventid.EventID{LedgerID: led.ID}
	predicate := factualPredicate
	if sel != nil {
		predicate = sel.SQL()
		if sel.After != nil {
			if sel.After.LedgerID != led.ID {
				return Result{}, evently.New(evently.KindBadInput,
					fmt.Sprintf("selector 'after' %s belongs to another ledger", sel.After))
			}
			previous = *sel.After
		}
	}

	key := ev.IdempotencyKey
	if key == "" {
		key = ulid.Make().String()
	}

	id, err := s.db.AppendEvent(ctx, previous.UUID(), ev.Event,
		ev.EntitiesJSON(), ev.Meta, ev.Data, key, predicate)
	if err == nil {
		s.mAppends.Add(ctx, 1)
		appended, err := eventid.FromBytes(id[:])
		if err != nil {
			return Result{}, evently.Internal(err)
		}
		return Result{Status: StatusSuccess, EventID: appended, IdempotencyKey: key}, nil
	}

	msg := store.PgMessage(err)
	switch {
	case strings.HasPrefix(msg, "RACE CONDITION"):
		race := Result{Status: StatusRace,
			Message: "another event matching the selector has been appended"}
		if ev.IdempotencyKey != "" {
			return s.replay(ctx, led, ev, race)
		}
		return race, nil

	case store.IsUniqueViolation(err, "_append_key_key"):
		reused := Result{Status: StatusError,
			Message: fmt.Sprintf("idempotency key %q was used for a different event", ev.IdempotencyKey)}
		return s.replay(ctx, led, ev, reused)

	case strings.HasPrefix(msg, "previous can only be genesis for first event"):
		return Result{Status: StatusError,
			Message: "Ledger already has events. Reset the ledger to append this event as its first."}, nil

	case strings.HasPrefix(msg, "previous_id must exist in the ledger"):
		return Result{Status: StatusError, Message: "Previous Event ID not found"}, nil

	case strings.HasPrefix(msg, "AFTER not found"):
		return Result{Status: StatusError, Message: "'after' value not found"}, nil

	case store.IsUnavailable(err):
		return Result{}, evently.Wrap(evently.KindUnavailable, "database unavailable", err)
	}
	return Result{}, evently.Internal(err)
}

// validate enforces the registry rules: the event name must be
// registered, and every entity on the event must be listed for it.
func (s *Service) validate(ctx context.Context, led ledger.Ledger, ev event.Append) error {
	if ev.Event == "" {
		return evently.New(evently.KindBadInput, "event name is required")
	}
	for name := range ev.Entities {
		if name == ledger.ReservedEntity {
			return evently.New(evently.KindForbidden,
				fmt.Sprintf("entity name %q is reserved", ledger.ReservedEntity))
		}
	}

	entry, ok, err := s.registry.GetEvent(ctx, led, ev.Event)
	if err != nil {
		return err
	}
	if !ok {
		return evently.New(evently.KindUnprocessable,
			fmt.Sprintf("event %q is not registered", ev.Event))
	}

	allowed := set.New(entry.Entities...)
	for name := range ev.Entities {
		if !allowed.Has(name) {
			return evently.New(evently.KindUnprocessable,
				fmt.Sprintf("entity %q is not registered for event %q", name, ev.Event))
		}
	}
	return nil
}

// replay resolves an idempotency key collision. A deep-equal prior
// append wins over the race or reuse outcome; a different prior append
// is unprocessable; no prior append falls back to the original outcome.
func (s *Service) replay(ctx context.Context, led ledger.Ledger, ev event.Append, fallback Result) (Result, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	row, found, err := s.db.FindWithAppendKey(ctx, led.ID, ev.IdempotencyKey)
	if err != nil {
		return Result{}, evently.Internal(err)
	}
	if !found {
		return fallback, nil
	}

	same := row.Event == ev.Event &&
		event.JSONEqual(row.Entities, ev.EntitiesJSON()) &&
		event.JSONEqual(row.Meta, ev.Meta) &&
		event.JSONEqual(row.Data, ev.Data)
	if !same {
		return Result{}, evently.New(evently.KindUnprocessable,
			"Event does not match the event originally appended with idempotencyKey")
	}

	prior, err := eventid.New(uint64(row.Timestamp), row.Checksum, led.ID)
	if err != nil {
		return Result{}, evently.Internal(err)
	}
	return Result{Status: StatusSuccess, EventID: prior, IdempotencyKey: ev.IdempotencyKey}, nil
}
