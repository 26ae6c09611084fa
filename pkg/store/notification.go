package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/evently-cloud/rest-api/internal/lg"
)

// Channel name the database raises for every committed append.
const AllEventsChannel = "ALL_EVENTS"

// Notification is one parsed ALL_EVENTS payload. Meta and Data are
// dropped by the database when the payload would overflow its
// notification size limit; HasMeta/HasData report what arrived.
type Notification struct {
	LedgerID  string
	Timestamp int64
	Checksum  uint32
	Event     string
	Entities  json.RawMessage
	Meta      json.RawMessage
	Data      json.RawMessage
	HasMeta   bool
	HasData   bool
}

// ListenAllEvents holds a LISTEN on ALL_EVENTS and delivers each parsed
// notification until ctx ends. Connection loss re-acquires with a short
// backoff; payloads that fail to parse are logged and skipped.
func (db *DB) ListenAllEvents(ctx context.Context, deliver func(context.Context, Notification)) error {
	for ctx.Err() == nil {
		if err := db.listenOnce(ctx, deliver); err != nil && ctx.Err() == nil {
			log.Println("listener reconnecting:", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
	return ctx.Err()
}

func (db *DB) listenOnce(ctx context.Context, deliver func(context.Context, Notification)) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN "ALL_EVENTS"`); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n.Channel != AllEventsChannel {
			continue
		}

		parsed, err := ParseNotification(n.Payload)
		if err != nil {
			log.Println("dropping unparseable notification:", err)
			continue
		}

		ctx, span := lg.Span(ctx)
		deliver(ctx, parsed)
		span.End()
	}
}

// ParseNotification reads the CSV wire form:
//
//	ledgerId,timestamp,checksum,event,entities[,meta[,data]]
//
// Fields are bare, single quoted with SQL style doubled quotes, or
// E'…' quoted requiring an extra backslash un-escape pass. This format
// is a versioned wire contract with the database; quoting knowledge
// lives here and nowhere else.
func ParseNotification(payload string) (Notification, error) {
	fields, err := splitFields(payload)
	if err != nil {
		return Notification{}, err
	}
	if len(fields) < 5 {
		return Notification{}, fmt.Errorf("notification has %d fields, need at least 5", len(fields))
	}

	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("bad timestamp %q", fields[1])
	}
	chk, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Notification{}, fmt.Errorf("bad checksum %q", fields[2])
	}

	n := Notification{
		LedgerID:  fields[0],
		Timestamp: ts,
		Checksum:  uint32(chk),
		Event:     fields[3],
		Entities:  json.RawMessage(fields[4]),
	}
	if len(fields) > 5 {
		n.Meta = json.RawMessage(fields[5])
		n.HasMeta = true
	}
	if len(fields) > 6 {
		n.Data = json.RawMessage(fields[6])
		n.HasData = true
	}
	return n, nil
}

func splitFields(s string) ([]string, error) {
	var out []string
	for i := 0; ; {
		field, next, err := scanField(s, i)
		if err != nil {
			return nil, err
		}
		out = append(out, field)
		if next >= len(s) {
			break
		}
		i = next + 1 // step over the comma
	}
	return out, nil
}

// scanField reads one field starting at i and returns it with the index
// of the delimiter (or end of string).
func scanField(s string, i int) (string, int, error) {
	switch {
	case strings.HasPrefix(s[i:], "E'"):
		field, next, err := scanQuoted(s, i+1)
		if err != nil {
			return "", 0, err
		}
		return unescapeBackslashes(field), next, nil
	case i < len(s) && s[i] == '\'':
		return scanQuoted(s, i)
	default:
		j := strings.IndexByte(s[i:], ',')
		if j < 0 {
			return s[i:], len(s), nil
		}
		return s[i : i+j], i + j, nil
	}
}

// scanQuoted reads a single quoted field, undoubling quotes, returning
// the index just past the closing quote.
func scanQuoted(s string, i int) (string, int, error) {
	var b strings.Builder
	for j := i + 1; j < len(s); j++ {
		if s[j] != '\'' {
			b.WriteByte(s[j])
			continue
		}
		if j+1 < len(s) && s[j+1] == '\'' {
			b.WriteByte('\'')
			j++
			continue
		}
		return b.String(), j + 1, nil
	}
	return "", 0, fmt.Errorf("unterminated quoted field at %d", i)
}

func unescapeBackslashes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
