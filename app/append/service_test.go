package append_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matryer/is"

	evently "github.com/evently-cloud/rest-api"
	appendapp "github.com/evently-cloud/rest-api/app/append"
	"github.com/evently-cloud/rest-api/app/registry"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/selector"
	"github.com/evently-cloud/rest-api/pkg/store"
)

type fakeDB struct {
	appendErr error
	appended  eventid.EventID

	prior    *store.Row
	priorKey string

	lastPrevious  uuid.UUID
	lastPredicate string
	lastKey       string
}

func (f *fakeDB) AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data json.RawMessage, appendKey string, predicate []byte) (uuid.UUID, error) {
	f.lastPrevious = previousID
	f.lastPredicate = string(predicate)
	f.lastKey = appendKey
	if f.appendErr != nil {
		return uuid.Nil, f.appendErr
	}
	return f.appended.UUID(), nil
}

func (f *fakeDB) FindWithAppendKey(ctx context.Context, ledgerID, key string) (store.Row, bool, error) {
	if f.prior != nil && key == f.priorKey {
		return *f.prior, true, nil
	}
	return store.Row{}, false, nil
}

type fakeRegistry struct {
	entries map[string]registry.Entry
}

func (f *fakeRegistry) GetEvent(ctx context.Context, led ledger.Ledger, name string) (registry.Entry, bool, error) {
	e, ok := f.entries[name]
	return e, ok, nil
}

func testLedger() ledger.Ledger {
	genesis, _ := eventid.New(1, 1, "0000c0de")
	return ledger.Ledger{ID: "0000c0de", Name: "test", Genesis: genesis}
}

func orderRegistry() *fakeRegistry {
	return &fakeRegistry{entries: map[string]registry.Entry{
		"order-placed": {Event: "order-placed", Entities: []string{"order", "cart"}},
	}}
}

func orderEvent() event.Append {
	return event.Append{
		Event:    "order-placed",
		Entities: map[string][]string{"order": {"o-1"}},
		Data:     json.RawMessage(`{"total":42}`),
	}
}

func newEngine(t *testing.T, db *fakeDB, reg appendapp.Registry) *appendapp.Service {
	t.Helper()
	svc, err := appendapp.New(context.Background(), db, reg)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func kindOf(t *testing.T, err error) evently.Kind {
	t.Helper()
	var e *evently.Error
	if !errors.As(err, &e) {
		t.Fatalf("not a taxonomy error: %v", err)
	}
	return e.Kind
}

func TestFactualAppendSuccess(t *testing.T) {
	is := is.New(t)

	appended, _ := eventid.New(42, 7, "0000c0de")
	db := &fakeDB{appended: appended}
	svc := newEngine(t, db, orderRegistry())

	res, err := svc.AppendFactual(context.Background(), testLedger(), orderEvent())
	is.NoErr(err)
	is.Equal(res.Status, appendapp.StatusSuccess)
	is.Equal(res.EventID, appended)
	is.True(res.IdempotencyKey != "") // a fresh key was synthesized
	is.Equal(res.IdempotencyKey, db.lastKey)

	// factual appends use the never-matching predicate and the zero
	// previous position
	is.Equal(db.lastPredicate, "false")
	is.Equal(db.lastPrevious.String(), "00000000-0000-0000-0000-00000000c0de")
}

func TestAtomicAppendUsesSelectorPredicate(t *testing.T) {
	is := is.New(t)

	after, _ := eventid.New(40, 3, "0000c0de")
	appended, _ := eventid.New(42, 7, "0000c0de")
	db := &fakeDB{appended: appended}
	svc := newEngine(t, db, orderRegistry())

	sel := selector.Selector{
		Entities: map[string][]string{"order": {"o-1"}},
		After:    &after,
	}
	res, err := svc.AppendAtomic(context.Background(), testLedger(), orderEvent(), sel)
	is.NoErr(err)
	is.Equal(res.Status, appendapp.StatusSuccess)
	is.Equal(db.lastPredicate, string(sel.SQL()))
	is.Equal(db.lastPrevious, after.UUID())
}

func TestAtomicAppendRejectsPlainSelector(t *testing.T) {
	is := is.New(t)

	svc := newEngine(t, &fakeDB{}, orderRegistry())
	_, err := svc.AppendAtomic(context.Background(), testLedger(), orderEvent(), selector.Selector{Limit: 5})
	is.Equal(kindOf(t, err), evently.KindBadInput)
}

func TestUnregisteredEventRejected(t *testing.T) {
	is := is.New(t)

	svc := newEngine(t, &fakeDB{}, &fakeRegistry{entries: map[string]registry.Entry{}})
	_, err := svc.AppendFactual(context.Background(), testLedger(), orderEvent())
	is.Equal(kindOf(t, err), evently.KindUnprocessable)
}

func TestUnknownEntityRejected(t *testing.T) {
	is := is.New(t)

	svc := newEngine(t, &fakeDB{}, orderRegistry())
	ev := orderEvent()
	ev.Entities["warehouse"] = []string{"w-1"}

	_, err := svc.AppendFactual(context.Background(), testLedger(), ev)
	is.Equal(kindOf(t, err), evently.KindUnprocessable)
}

func TestReservedEntityRejected(t *testing.T) {
	is := is.New(t)

	svc := newEngine(t, &fakeDB{}, orderRegistry())
	ev := orderEvent()
	ev.Entities["📒"] = []string{"0000c0de"}

	_, err := svc.AppendFactual(context.Background(), testLedger(), ev)
	is.Equal(kindOf(t, err), evently.KindForbidden)
}

func TestRaceWithoutKey(t *testing.T) {
	is := is.New(t)

	db := &fakeDB{appendErr: &pgconn.PgError{Message: "RACE CONDITION: a matching event exists"}}
	svc := newEngine(t, db, orderRegistry())

	sel := selector.Selector{Entities: map[string][]string{"order": {"o-1"}}}
	res, err := svc.AppendAtomic(context.Background(), testLedger(), orderEvent(), sel)
	is.NoErr(err)
	is.Equal(res.Status, appendapp.StatusRace)
}

func TestRaceWithMatchingReplayIsSuccess(t *testing.T) {
	is := is.New(t)

	ev := orderEvent()
	ev.IdempotencyKey = "K"

	db := &fakeDB{
		appendErr: &pgconn.PgError{Message: "RACE CONDITION: a matching event exists"},
		priorKey:  "K",
		prior: &store.Row{
			Timestamp: 42,
			Checksum:  7,
			Event:     "order-placed",
			Entities:  json.RawMessage(`{"order":["o-1"]}`),
			Data:      json.RawMessage(`{"total": 42}`), // whitespace differs; equality is structural
		},
	}
	svc := newEngine(t, db, orderRegistry())

	sel := selector.Selector{Entities: map[string][]string{"order": {"o-1"}}}
	res, err := svc.AppendAtomic(context.Background(), testLedger(), ev, sel)
	is.NoErr(err)
	is.Equal(res.Status, appendapp.StatusSuccess)

	prior, _ := eventid.New(42, 7, "0000c0de")
	is.Equal(res.EventID, prior)
	is.Equal(res.IdempotencyKey, "K")
}

func TestReplayWithDifferentEventRejected(t *testing.T) {
	is := is.New(t)

	ev := orderEvent()
	ev.IdempotencyKey = "K"

	db := &fakeDB{
		appendErr: &pgconn.PgError{Code: "23505", ConstraintName: "events_append_key_key"},
		priorKey:  "K",
		prior: &store.Row{
			Timestamp: 42,
			Checksum:  7,
			Event:     "order-placed",
			Entities:  json.RawMessage(`{"order":["o-1"]}`),
			Data:      json.RawMessage(`{"total":99}`),
		},
	}
	svc := newEngine(t, db, orderRegistry())

	_, err := svc.AppendFactual(context.Background(), testLedger(), ev)
	is.Equal(kindOf(t, err), evently.KindUnprocessable)
}

func TestKeyReuseWithoutPriorFallsBack(t *testing.T) {
	is := is.New(t)

	ev := orderEvent()
	ev.IdempotencyKey = "K"

	db := &fakeDB{appendErr: &pgconn.PgError{Code: "23505", ConstraintName: "events_append_key_key"}}
	svc := newEngine(t, db, orderRegistry())

	res, err := svc.AppendFactual(context.Background(), testLedger(), ev)
	is.NoErr(err)
	is.Equal(res.Status, appendapp.StatusError)
}

func TestPreviousGenesisErrorMapped(t *testing.T) {
	is := is.New(t)

	db := &fakeDB{appendErr: &pgconn.PgError{Message: "previous can only be genesis for first event"}}
	svc := newEngine(t, db, orderRegistry())

	res, err := svc.AppendFactual(context.Background(), testLedger(), orderEvent())
	is.NoErr(err)
	is.Equal(res.Status, appendapp.StatusError)
	is.True(res.Message != "")
}

func TestAfterNotFoundMapped(t *testing.T) {
	is := is.New(t)

	db := &fakeDB{appendErr: &pgconn.PgError{Message: "AFTER not found: 42"}}
	svc := newEngine(t, db, orderRegistry())

	res, err := svc.AppendFactual(context.Background(), testLedger(), orderEvent())
	is.NoErr(err)
	is.Equal(res.Status, appendapp.StatusError)
	is.Equal(res.Message, "'after' value not found")
}

func TestIdenticalReplayTwiceSameEventID(t *testing.T) {
	is := is.New(t)

	ev := orderEvent()
	ev.IdempotencyKey = "K"

	db := &fakeDB{
		appendErr: &pgconn.PgError{Code: "23505", ConstraintName: "events_append_key_key"},
		priorKey:  "K",
		prior: &store.Row{
			Timestamp: 42,
			Checksum:  7,
			Event:     "order-placed",
			Entities:  json.RawMessage(`{"order":["o-1"]}`),
			Data:      json.RawMessage(`{"total":42}`),
		},
	}
	svc := newEngine(t, db, orderRegistry())

	first, err := svc.AppendFactual(context.Background(), testLedger(), ev)
	is.NoErr(err)
	second, err := svc.AppendFactual(context.Background(), testLedger(), ev)
	is.NoErr(err)

	is.Equal(first.Status, appendapp.StatusSuccess)
	is.Equal(first.EventID, second.EventID)
}
