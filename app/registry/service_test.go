package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/matryer/is"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/app/registry"
	"github.com/evently-cloud/rest-api/app/selectors"
	"github.com/evently-cloud/rest-api/pkg/eventid"
	"github.com/evently-cloud/rest-api/pkg/ledger"
	"github.com/evently-cloud/rest-api/pkg/store"
)

// markerStore serves registry markers through the event source and
// records the markers appended back.
type markerStore struct {
	rows     []store.Row
	appended []appendedMarker
}

type appendedMarker struct {
	event string
	data  string
}

func (f *markerStore) RunSelector(ctx context.Context, ledgerID string, after store.Position, limit uint32, predicate []byte, batchSize int32) (store.Position, []store.Row, error) {
	rows := f.rows
	if len(rows) > int(batchSize) {
		rows = rows[:batchSize]
	}
	return store.Position{Timestamp: 99, Checksum: 1}, rows, nil
}

func (f *markerStore) FetchSelected(ctx context.Context, ledgerID string, afterTs int64, limit int32, predicate []byte) ([]store.Row, error) {
	return nil, nil
}

func (f *markerStore) FetchEventID(ctx context.Context, ledgerID string, predicate []byte, afterTs int64, limit uint32) (store.Position, bool, error) {
	return store.Position{Timestamp: 99, Checksum: 1}, true, nil
}

func (f *markerStore) AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data json.RawMessage, appendKey string, predicate []byte) (uuid.UUID, error) {
	f.appended = append(f.appended, appendedMarker{event: eventName, data: string(data)})
	id, _ := eventid.New(uint64(len(f.appended)), 1, "0000c0de")
	return id.UUID(), nil
}

func marker(ts int64, name string, entry string) store.Row {
	return store.Row{
		Timestamp: ts,
		Checksum:  uint32(ts),
		Event:     name,
		Entities:  json.RawMessage(`{"📒":["0000c0de"]}`),
		Data:      json.RawMessage(entry),
	}
}

func testLedger() ledger.Ledger {
	genesis, _ := eventid.New(1, 1, "0000c0de")
	return ledger.Ledger{ID: "0000c0de", Name: "test", Genesis: genesis}
}

func newRegistry(t *testing.T, db *markerStore) *registry.Service {
	t.Helper()
	ctx := context.Background()

	source, err := selectors.NewSource(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := registry.New(ctx, db, source)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestFoldRegistersAndUnregisters(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	db := &markerStore{rows: []store.Row{
		marker(10, registry.EventRegistered, `{"event":"A","entities":["x"]}`),
		marker(11, registry.EventRegistered, `{"event":"B","entities":["y"]}`),
		marker(12, registry.EventUnregistered, `{"event":"A"}`),
	}}
	svc := newRegistry(t, db)

	entries, err := svc.AllEvents(ctx, testLedger())
	is.NoErr(err)
	is.Equal(len(entries), 1)
	is.Equal(entries[0].Event, "B")
	is.Equal(entries[0].Entities, []string{"y"})
}

func TestFoldLastMarkerWins(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	db := &markerStore{rows: []store.Row{
		marker(10, registry.EventRegistered, `{"event":"A","entities":["x"]}`),
		marker(11, registry.EventUnregistered, `{"event":"A"}`),
		marker(12, registry.EventRegistered, `{"event":"A","entities":["x","z"]}`),
	}}
	svc := newRegistry(t, db)

	entry, ok, err := svc.GetEvent(ctx, testLedger(), "A")
	is.NoErr(err)
	is.True(ok)
	is.Equal(entry.Entities, []string{"x", "z"})
}

func TestRegisterIdempotentOnEqualEntitySet(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	db := &markerStore{rows: []store.Row{
		marker(10, registry.EventRegistered, `{"event":"A","entities":["x","y"]}`),
	}}
	svc := newRegistry(t, db)

	// same set, different order: no marker written
	is.NoErr(svc.RegisterEventType(ctx, testLedger(), "A", []string{"y", "x"}))
	is.Equal(len(db.appended), 0)

	// different set: a marker is written
	is.NoErr(svc.RegisterEventType(ctx, testLedger(), "A", []string{"x"}))
	is.Equal(len(db.appended), 1)
	is.Equal(db.appended[0].event, registry.EventRegistered)
}

func TestRegisterRejectsReservedEntity(t *testing.T) {
	is := is.New(t)

	svc := newRegistry(t, &markerStore{})
	err := svc.RegisterEventType(context.Background(), testLedger(), "A", []string{"📒"})

	var e *evently.Error
	is.True(errors.As(err, &e))
	is.Equal(e.Kind, evently.KindForbidden)
}

func TestRegisterRejectsMarkerNames(t *testing.T) {
	is := is.New(t)

	svc := newRegistry(t, &markerStore{})
	for _, name := range []string{registry.EventRegistered, registry.EventUnregistered} {
		err := svc.RegisterEventType(context.Background(), testLedger(), name, []string{"x"})
		var e *evently.Error
		is.True(errors.As(err, &e))
		is.Equal(e.Kind, evently.KindForbidden)
	}
}

func TestDeleteUnknownEventIsNotFound(t *testing.T) {
	is := is.New(t)

	svc := newRegistry(t, &markerStore{})
	err := svc.DeleteEvent(context.Background(), testLedger(), "ghost")

	var e *evently.Error
	is.True(errors.As(err, &e))
	is.Equal(e.Kind, evently.KindNotFound)
}

func TestDeleteWritesUnregisterMarker(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	db := &markerStore{rows: []store.Row{
		marker(10, registry.EventRegistered, `{"event":"A","entities":["x"]}`),
	}}
	svc := newRegistry(t, db)

	is.NoErr(svc.DeleteEvent(ctx, testLedger(), "A"))
	is.Equal(len(db.appended), 1)
	is.Equal(db.appended[0].event, registry.EventUnregistered)
	is.Equal(db.appended[0].data, `{"event":"A","entities":null}`)
}

func TestEntitiesAcrossEvents(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	db := &markerStore{rows: []store.Row{
		marker(10, registry.EventRegistered, `{"event":"A","entities":["x","y"]}`),
		marker(11, registry.EventRegistered, `{"event":"B","entities":["y","z"]}`),
	}}
	svc := newRegistry(t, db)

	names, err := svc.Entities(ctx, testLedger())
	is.NoErr(err)
	is.Equal(names, []string{"x", "y", "z"})

	forY, err := svc.EventsForEntity(ctx, testLedger(), "y")
	is.NoErr(err)
	is.Equal(len(forY), 2)

	forZ, err := svc.EventsForEntity(ctx, testLedger(), "z")
	is.NoErr(err)
	is.Equal(len(forZ), 1)
	is.Equal(forZ[0].Event, "B")
}
