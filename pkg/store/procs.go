package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/evently-cloud/rest-api/internal/lg"
)

// Position is a ledger position: the (timestamp, checksum) pair the
// database uses to order events within a ledger.
type Position struct {
	Timestamp int64
	Checksum  uint32
}

// Row is one event row as the selector procedures return it.
type Row struct {
	Timestamp int64
	Checksum  uint32
	Event     string
	Entities  json.RawMessage
	Meta      json.RawMessage
	Data      json.RawMessage
}

// LedgerRow is a row of the ledger catalog.
type LedgerRow struct {
	ID          string
	Name        string
	Description string
}

// RunSelector executes a selector. The first row returned by the
// procedure is a header carrying the position the query read through;
// the remainder are event rows, at most batchSize of them.
func (db *DB) RunSelector(ctx context.Context, ledgerID string, after Position, limit uint32, predicate []byte, batchSize int32) (Position, []Row, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	rows, err := db.pool.Query(ctx,
		`SELECT * FROM run_selector($1, $2, $3, $4, $5, $6)`,
		ledgerID, after.Timestamp, int64(after.Checksum), int64(limit), predicate, batchSize)
	if err != nil {
		return Position{}, nil, err
	}
	defer rows.Close()

	var header Position
	var out []Row
	first := true
	for rows.Next() {
		if first {
			first = false
			var ts, chk int64
			var skipEvent, skipEntities, skipMeta, skipData *string
			if err := rows.Scan(&ts, &chk, &skipEvent, &skipEntities, &skipMeta, &skipData); err != nil {
				return Position{}, nil, err
			}
			header = Position{Timestamp: ts, Checksum: uint32(chk)}
			continue
		}
		row, err := scanEventRow(rows)
		if err != nil {
			return Position{}, nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Position{}, nil, err
	}
	if first {
		return Position{}, nil, fmt.Errorf("run_selector returned no header row")
	}
	return header, out, nil
}

// FetchSelected continues a selector run past the first batch.
func (db *DB) FetchSelected(ctx context.Context, ledgerID string, afterTs int64, limit int32, predicate []byte) ([]Row, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	rows, err := db.pool.Query(ctx,
		`SELECT * FROM fetch_selected($1, $2, $3, $4)`,
		ledgerID, afterTs, int64(limit), predicate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FetchEventID returns the latest matching position without event rows.
func (db *DB) FetchEventID(ctx context.Context, ledgerID string, predicate []byte, afterTs int64, limit uint32) (Position, bool, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var ts, chk int64
	err := db.pool.QueryRow(ctx,
		`SELECT * FROM fetch_event_id($1, $2, $3, $4)`,
		ledgerID, predicate, afterTs, int64(limit)).Scan(&ts, &chk)
	if errors.Is(err, pgx.ErrNoRows) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, err
	}
	return Position{Timestamp: ts, Checksum: uint32(chk)}, true, nil
}

// AppendEvent performs the atomic append, race detection included.
func (db *DB) AppendEvent(ctx context.Context, previousID uuid.UUID, eventName string, entities, meta, data json.RawMessage, appendKey string, predicate []byte) (uuid.UUID, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var id string
	err := db.pool.QueryRow(ctx,
		`SELECT append_event($1::uuid, $2, $3, $4, $5, $6, $7)::text`,
		previousID.String(), eventName,
		orEmpty(entities, "{}"), orEmpty(meta, "null"), orEmpty(data, "null"),
		appendKey, predicate).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(id)
}

// FindWithAppendKey looks up a prior append under an idempotency key.
func (db *DB) FindWithAppendKey(ctx context.Context, ledgerID, key string) (Row, bool, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	rows, err := db.pool.Query(ctx,
		`SELECT * FROM find_with_append_key($1, $2)`, ledgerID, key)
	if err != nil {
		return Row{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return Row{}, false, rows.Err()
	}
	row, err := scanEventRow(rows)
	if err != nil {
		return Row{}, false, err
	}
	return row, true, rows.Err()
}

// CreateLedger returns the new ledger id, or a unique violation when the
// name is taken.
func (db *DB) CreateLedger(ctx context.Context, name, description string) (string, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var id string
	err := db.pool.QueryRow(ctx,
		`SELECT create_ledger($1, $2)`, name, description).Scan(&id)
	return id, err
}

// ListLedgers reads the ledger catalog.
func (db *DB) ListLedgers(ctx context.Context) ([]LedgerRow, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	rows, err := db.pool.Query(ctx, `SELECT * FROM list_ledgers()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerRow
	for rows.Next() {
		var l LedgerRow
		if err := rows.Scan(&l.ID, &l.Name, &l.Description); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (db *DB) LedgerEventCount(ctx context.Context, ledgerID string) (int64, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT ledger_event_count($1)`, ledgerID).Scan(&n)
	return n, err
}

// ResetLedgerEvents trims all events after the given position, or back
// to genesis for the zero position.
func (db *DB) ResetLedgerEvents(ctx context.Context, ledgerID string, after Position) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	_, err := db.pool.Exec(ctx,
		`SELECT reset_ledger_events($1, $2, $3)`,
		ledgerID, after.Timestamp, int64(after.Checksum))
	return err
}

func (db *DB) RemoveLedger(ctx context.Context, ledgerID string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	_, err := db.pool.Exec(ctx, `SELECT remove_ledger($1)`, ledgerID)
	return err
}

// AfterExists reports whether a position names a real event.
func (db *DB) AfterExists(ctx context.Context, ledgerID string, after Position) (bool, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var ok bool
	err := db.pool.QueryRow(ctx,
		`SELECT after_exists($1, $2, $3)`,
		ledgerID, after.Timestamp, int64(after.Checksum)).Scan(&ok)
	return ok, err
}

// FetchMissingData recovers meta and data dropped from an oversized
// notification payload.
func (db *DB) FetchMissingData(ctx context.Context, ledgerID string, ts int64, needMeta bool) (meta, data json.RawMessage, err error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var m, d *string
	err = db.pool.QueryRow(ctx,
		`SELECT * FROM fetch_missing_data($1, $2, $3)`,
		ledgerID, ts, needMeta).Scan(&m, &d)
	if err != nil {
		return nil, nil, err
	}
	if m != nil {
		meta = json.RawMessage(*m)
	}
	if d != nil {
		data = json.RawMessage(*d)
	}
	return meta, data, nil
}

func scanEventRow(rows pgx.Rows) (Row, error) {
	var ts, chk int64
	var name *string
	var entities, meta, data *string
	if err := rows.Scan(&ts, &chk, &name, &entities, &meta, &data); err != nil {
		return Row{}, err
	}
	row := Row{Timestamp: ts, Checksum: uint32(chk)}
	if name != nil {
		row.Event = *name
	}
	if entities != nil {
		row.Entities = json.RawMessage(*entities)
	}
	if meta != nil {
		row.Meta = json.RawMessage(*meta)
	}
	if data != nil {
		row.Data = json.RawMessage(*data)
	}
	return row, nil
}

func orEmpty(doc json.RawMessage, fallback string) string {
	if len(doc) == 0 {
		return fallback
	}
	return string(doc)
}
