package selectors_test

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
	"github.com/evently-cloud/rest-api/pkg/store"
)

// fakeStore mimics the selector procedures over an in-memory row set:
// run_selector serves the first window, fetch_selected continues past a
// timestamp.
type fakeStore struct {
	rows []store.Row

	runCalls   int
	fetchCalls int
}

func (f *fakeStore) RunSelector(ctx context.Context, ledgerID string, after store.Position, limit uint32, predicate []byte, batchSize int32) (store.Position, []store.Row, error) {
	f.runCalls++
	rows := f.rows
	if limit > 0 && len(rows) > int(limit) {
		rows = rows[:limit]
	}
	if len(rows) > int(batchSize) {
		rows = rows[:batchSize]
	}
	header := store.Position{Timestamp: 9999, Checksum: 1}
	return header, rows, nil
}

func (f *fakeStore) FetchSelected(ctx context.Context, ledgerID string, afterTs int64, limit int32, predicate []byte) ([]store.Row, error) {
	f.fetchCalls++
	var out []store.Row
	for _, r := range f.rows {
		if r.Timestamp > afterTs {
			out = append(out, r)
		}
		if len(out) == int(limit) {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) FetchEventID(ctx context.Context, ledgerID string, predicate []byte, afterTs int64, limit uint32) (store.Position, bool, error) {
	if len(f.rows) == 0 {
		return store.Position{}, false, nil
	}
	last := f.rows[len(f.rows)-1]
	return store.Position{Timestamp: last.Timestamp, Checksum: last.Checksum}, true, nil
}

func rowSet(n int) []store.Row {
	rows := make([]store.Row, n)
	for i := range rows {
		rows[i] = store.Row{
			Timestamp: int64(i + 1),
			Checksum:  uint32(i + 1),
			Event:     "order-placed",
			Entities:  []byte(`{"order":["o-1"]}`),
			Data:      []byte(`{}`),
		}
	}
	return rows
}

func testLedger() ledger.Ledger {
	genesis, _ := eventid.New(1, 1, "0000c0de")
	return ledger.Ledger{ID: "0000c0de", Name: "test", Genesis: genesis}
}

func newSource(t *testing.T, db selectors.Store) *selectors.Source {
	t.Helper()
	source, err := selectors.NewSource(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return source
}

func drain(t *testing.T, st *selectors.Stream) []event.Persisted {
	t.Helper()
	var out []event.Persisted
	for ev := range st.Events() {
		out = append(out, ev)
	}
	return out
}

func TestExactBatchProducesOneEmptyContinuation(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(100)}
	source := newSource(t, db)

	st, err := source.All(context.Background(), testLedger(), selector.Selector{})
	is.NoErr(err)

	events := drain(t, st)
	is.NoErr(st.Err())
	is.Equal(len(events), 100)
	is.Equal(db.runCalls, 1)
	is.Equal(db.fetchCalls, 1)
}

func TestRollingBatches(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(250)}
	source := newSource(t, db)

	st, err := source.All(context.Background(), testLedger(), selector.Selector{})
	is.NoErr(err)

	events := drain(t, st)
	is.NoErr(st.Err())
	is.Equal(len(events), 250)
	// 100 from run_selector, then 100 + 50 continuations
	is.Equal(db.runCalls, 1)
	is.Equal(db.fetchCalls, 2)
}

func TestLimitTruncates(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(250)}
	source := newSource(t, db)

	st, err := source.All(context.Background(), testLedger(), selector.Selector{Limit: 150})
	is.NoErr(err)

	events := drain(t, st)
	is.NoErr(st.Err())
	is.Equal(len(events), 150)
	is.Equal(db.fetchCalls, 1)
}

func TestStreamIsStrictlyOrdered(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(250)}
	source := newSource(t, db)

	st, err := source.All(context.Background(), testLedger(), selector.Selector{})
	is.NoErr(err)

	var prev eventid.EventID
	for ev := range st.Events() {
		id, err := ev.ID()
		is.NoErr(err)
		is.True(prev.Compare(id) < 0)
		prev = id
	}
}

func TestPositionComesFromHeaderRow(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(3)}
	source := newSource(t, db)

	st, err := source.All(context.Background(), testLedger(), selector.Selector{})
	is.NoErr(err)
	drain(t, st)

	want, _ := eventid.New(9999, 1, "0000c0de")
	is.Equal(st.Position, want)
}

func TestAfterFromAnotherLedgerRejected(t *testing.T) {
	is := is.New(t)

	source := newSource(t, &fakeStore{})
	after, _ := eventid.New(5, 5, "0000beef")

	_, err := source.All(context.Background(), testLedger(), selector.Selector{After: &after})

	var e *evently.Error
	is.True(errors.As(err, &e))
	is.Equal(e.Kind, evently.KindBadInput)
}

func TestFilterRequiresFilterClauses(t *testing.T) {
	is := is.New(t)

	source := newSource(t, &fakeStore{})
	_, err := source.Filter(context.Background(), testLedger(), selector.Selector{})

	var e *evently.Error
	is.True(errors.As(err, &e))
	is.Equal(e.Kind, evently.KindBadInput)
}

func TestConsumerAbortStopsFetching(t *testing.T) {
	is := is.New(t)

	db := &fakeStore{rows: rowSet(250)}
	source := newSource(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := source.All(ctx, testLedger(), selector.Selector{})
	is.NoErr(err)

	<-st.Events()
	cancel()
	events := drain(t, st)

	// the pump stops within one batch of the abort
	is.True(len(events) < 249)
	is.True(db.fetchCalls <= 2)
}

func TestLatestEventIDFallsBackToAfterThenGenesis(t *testing.T) {
	is := is.New(t)

	source := newSource(t, &fakeStore{})
	led := testLedger()

	id, err := source.LatestEventID(context.Background(), led, selector.Selector{})
	is.NoErr(err)
	is.Equal(id, led.Genesis)

	after, _ := eventid.New(5, 5, "0000c0de")
	id, err = source.LatestEventID(context.Background(), led, selector.Selector{After: &after})
	is.NoErr(err)
	is.Equal(id, after)
}
