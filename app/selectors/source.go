// package selectors executes selector queries against the store and
// serves them over HTTP as NDJSON.
package selectors

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/internal/lg"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
	"github.com/evently-cloud/rest-api/pkg/store"
)

// BatchSize is the row window requested from the database per fetch.
const BatchSize = 100

// Store is the slice of the database client the source needs.
type Store interface {
	RunSelector(ctx context.Context, ledgerID string, after store.Position, limit uint32, predicate []byte, batchSize int32) (store.Position, []store.Row, error)
	FetchSelected(ctx context.Context, ledgerID string, afterTs int64, limit int32, predicate []byte) ([]store.Row, error)
	FetchEventID(ctx context.Context, ledgerID string, predicate []byte, afterTs int64, limit uint32) (store.Position, bool, error)
}

// Source executes selectors. Events stream through a bounded channel so
// a slow consumer holds back the database fetches instead of buffering
// the ledger in memory.
type Source struct {
	db Store

	mStreamed metric.Int64Counter
}

func NewSource(ctx context.Context, db Store) (*Source, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	s := &Source{db: db}

	var err error
	s.mStreamed, err = lg.Meter(ctx).Int64Counter("selector_events_streamed")
	if err != nil {
		span.RecordError(err)
	}

	return s, nil
}

// Stream is one selector execution: the position the query read through
// and the matched events in (timestamp, checksum) order.
type Stream struct {
	Position eventid.EventID

	events chan event.Persisted
	err    error
	done   chan struct{}
}

// Events yields until drained, error, or cancellation.
func (s *Stream) Events() <-chan event.Persisted { return s.events }

// Err reports the streaming failure, if any, once Events is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// All executes a plain selector over every event of the ledger.
func (s *Source) All(ctx context.Context, led ledger.Ledger, sel selector.Selector) (*Stream, error) {
	return s.run(ctx, led, sel, []byte("true"))
}

// Filter executes a filter selector.
func (s *Source) Filter(ctx context.Context, led ledger.Ledger, sel selector.Selector) (*Stream, error) {
	if !sel.IsFilter() {
		return nil, evently.New(evently.KindBadInput, "selector has no filter clauses")
	}
	return s.run(ctx, led, sel, sel.SQL())
}

func (s *Source) run(ctx context.Context, led ledger.Ledger, sel selector.Selector, predicate []byte) (*Stream, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	after, err := afterPosition(led, sel)
	if err != nil {
		return nil, err
	}

	header, rows, err := s.db.RunSelector(ctx, led.ID, after, sel.Limit, predicate, BatchSize)
	if err != nil {
		return nil, classify(err, sel)
	}

	position, err := eventid.New(uint64(header.Timestamp), header.Checksum, led.ID)
	if err != nil {
		return nil, evently.Internal(err)
	}

	st := &Stream{
		Position: position,
		events:   make(chan event.Persisted, BatchSize),
		done:     make(chan struct{}),
	}

	go s.pump(ctx, st, led, sel.Limit, predicate, rows)

	return st, nil
}

// pump translates the first batch and rolls fetch_selected windows until
// a batch comes up short, the limit is spent, or the consumer goes away.
func (s *Source) pump(ctx context.Context, st *Stream, led ledger.Ledger, limit uint32, predicate []byte, rows []store.Row) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	defer close(st.events)
	defer close(st.done)

	var yielded uint32
	var lastTs int64
	requested := BatchSize

	for {
		for _, row := range rows {
			id, err := eventid.New(uint64(row.Timestamp), row.Checksum, led.ID)
			if err != nil {
				st.err = evently.Internal(err)
				return
			}
			select {
			case st.events <- event.NewPersisted(id, row.Event, row.Entities, row.Meta, row.Data):
				yielded++
				lastTs = row.Timestamp
				s.mStreamed.Add(ctx, 1)
			case <-ctx.Done():
				st.err = ctx.Err()
				return
			}
		}

		if len(rows) < requested {
			return
		}
		if limit > 0 && yielded >= limit {
			return
		}

		requested = BatchSize
		if limit > 0 && int(limit-yielded) < requested {
			requested = int(limit - yielded)
		}

		var err error
		rows, err = s.db.FetchSelected(ctx, led.ID, lastTs, int32(requested), predicate)
		if err != nil {
			st.err = classifyStream(err)
			return
		}
		if len(rows) == 0 {
			return
		}
	}
}

// LatestEventID resolves the position a selector currently reads
// through, without fetching event rows.
func (s *Source) LatestEventID(ctx context.Context, led ledger.Ledger, sel selector.Selector) (eventid.EventID, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	after, err := afterPosition(led, sel)
	if err != nil {
		return eventid.EventID{}, err
	}

	pos, ok, err := s.db.FetchEventID(ctx, led.ID, sel.SQL(), after.Timestamp, sel.Limit)
	if err != nil {
		return eventid.EventID{}, classify(err, sel)
	}
	if !ok {
		if sel.After != nil {
			return *sel.After, nil
		}
		return led.Genesis, nil
	}
	return eventid.New(uint64(pos.Timestamp), pos.Checksum, led.ID)
}

func afterPosition(led ledger.Ledger, sel selector.Selector) (store.Position, error) {
	if sel.After == nil {
		return store.Position{}, nil
	}
	if sel.After.LedgerID != led.ID {
		return store.Position{}, evently.New(evently.KindBadInput,
			fmt.Sprintf("selector 'after' %s belongs to another ledger", sel.After))
	}
	return store.Position{Timestamp: int64(sel.After.Timestamp), Checksum: sel.After.Checksum}, nil
}

func classify(err error, sel selector.Selector) error {
	switch {
	case store.IsSyntax(err):
		return evently.Wrap(evently.KindBadInput, "selector does not parse as a query", err)
	case strings.HasPrefix(store.PgMessage(err), "AFTER not found"):
		after := ""
		if sel.After != nil {
			after = " " + sel.After.String()
		}
		return evently.Wrap(evently.KindBadInput, "'after' event id"+after+" not found", err)
	case store.IsUnavailable(err):
		return evently.Wrap(evently.KindUnavailable, "database unavailable", err)
	}
	return evently.Internal(err)
}

func classifyStream(err error) error {
	if store.IsUnavailable(err) {
		return evently.Wrap(evently.KindUnavailable, "database unavailable", err)
	}
	return evently.Internal(err)
}
