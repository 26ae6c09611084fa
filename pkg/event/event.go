// package event holds the wire model shared by the selector, append,
// and notify services.
package event

import (
	"encoding/json"
	"time"

	"github.com/evently-cloud/rest-api/pkg/eventid"
)

// Persisted is an event row translated for clients: hex event id,
// ISO-8601 timestamp, and the stored JSON documents untouched.
type Persisted struct {
	EventID   string          `json:"eventId"`
	Timestamp string          `json:"timestamp"`
	Event     string          `json:"event"`
	Entities  json.RawMessage `json:"entities"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewPersisted stamps a row with its id and RFC 3339 instant.
func NewPersisted(id eventid.EventID, name string, entities, meta, data json.RawMessage) Persisted {
	return Persisted{
		EventID:   id.String(),
		Timestamp: id.Time().Format(time.RFC3339Nano),
		Event:     name,
		Entities:  entities,
		Meta:      meta,
		Data:      data,
	}
}

// ID parses the event id hex form back into its triple.
func (p Persisted) ID() (eventid.EventID, error) {
	return eventid.Parse(p.EventID)
}

// EntityMap decodes the entities document.
func (p Persisted) EntityMap() (map[string][]string, error) {
	if len(p.Entities) == 0 {
		return nil, nil
	}
	var m map[string][]string
	err := json.Unmarshal(p.Entities, &m)
	return m, err
}

// Append is the client input for both factual and atomic appends.
type Append struct {
	Event          string              `json:"event"`
	Entities       map[string][]string `json:"entities"`
	Meta           json.RawMessage     `json:"meta,omitempty"`
	Data           json.RawMessage     `json:"data,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
}

// EntitiesJSON renders the entity map for storage.
func (a Append) EntitiesJSON() json.RawMessage {
	if a.Entities == nil {
		return json.RawMessage("{}")
	}
	b, _ := json.Marshal(a.Entities)
	return b
}

// JSONEqual compares two documents structurally, key order independent.
// Absent and empty documents compare equal.
func JSONEqual(a, b json.RawMessage) bool {
	var av, bv any
	if len(a) > 0 {
		if err := json.Unmarshal(a, &av); err != nil {
			return false
		}
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &bv); err != nil {
			return false
		}
	}
	return deepEqualJSON(av, bv)
}

func deepEqualJSON(a, b any) bool {
	switch at := a.(type) {
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, v := range at {
			bv, ok := bt[k]
			if !ok || !deepEqualJSON(v, bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !deepEqualJSON(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
