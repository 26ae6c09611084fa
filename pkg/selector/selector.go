// package selector implements the query token at the center of the API.
// A selector names a subset of a ledger's events and a position within
// the ledger. Its canonical packed form serves as URL part, ETag basis,
// subscription key, and the byte-exact predicate the database applies
// for atomic append race detection.
package selector

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/evently-cloud/rest-api/pkg/eventid"
)

var (
	ErrInvalidURIPart = errors.New("invalid URI part")
	ErrInvalidInput   = errors.New("invalid selector")
)

// Query is a JSONPath predicate with optional variable bindings.
type Query struct {
	Query string         `json:"query"`
	Vars  map[string]any `json:"vars,omitempty"`
}

// Selector is either plain (After/Limit only) or a filter carrying any of
// Entities, Meta, Events. A filter matches an event when at least one of
// its clauses matches.
type Selector struct {
	Entities map[string][]string `json:"entities,omitempty"`
	Meta     *Query              `json:"meta,omitempty"`
	Events   map[string]Query    `json:"events,omitempty"`
	After    *eventid.EventID    `json:"after,omitempty"`
	Limit    uint32              `json:"limit,omitempty"`
}

// IsFilter reports whether any filter clause is present.
func (s Selector) IsFilter() bool {
	return len(s.Entities) > 0 || s.Meta != nil || len(s.Events) > 0
}

// Validate checks the invariants the API enforces at input time.
func (s Selector) Validate() error {
	for name, keys := range s.Entities {
		if name == "" {
			return fmt.Errorf("%w: empty entity name", ErrInvalidInput)
		}
		if len(keys) == 0 {
			return fmt.Errorf("%w: entity %q has no keys", ErrInvalidInput, name)
		}
	}
	if s.Meta != nil {
		if err := validQuery(s.Meta.Query); err != nil {
			return err
		}
	}
	for name, q := range s.Events {
		if name == "" {
			return fmt.Errorf("%w: empty event name", ErrInvalidInput)
		}
		if err := validQuery(q.Query); err != nil {
			return err
		}
	}
	return nil
}

func validQuery(q string) error {
	if q == "" {
		return fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	if strings.HasPrefix(strings.TrimSpace(q), "strict") {
		return fmt.Errorf("%w: strict mode not supported", ErrInvalidInput)
	}
	return nil
}

// Canonicalize returns the stable form: empty containers dropped, vars
// normalized through JSON so that numeric types compare equal, map key
// order irrelevant. Canonicalize is idempotent.
func (s Selector) Canonicalize() Selector {
	out := Selector{Limit: s.Limit}

	if len(s.Entities) > 0 {
		out.Entities = make(map[string][]string, len(s.Entities))
		for name, keys := range s.Entities {
			out.Entities[name] = append([]string(nil), keys...)
		}
	}
	if s.Meta != nil {
		q := Query{Query: s.Meta.Query, Vars: normalizeVars(s.Meta.Vars)}
		out.Meta = &q
	}
	if len(s.Events) > 0 {
		out.Events = make(map[string]Query, len(s.Events))
		for name, q := range s.Events {
			out.Events[name] = Query{Query: q.Query, Vars: normalizeVars(q.Vars)}
		}
	}
	if s.After != nil && !s.After.IsZero() {
		after := *s.After
		out.After = &after
	}
	return out
}

// WithAfter returns a copy positioned after id.
func (s Selector) WithAfter(id eventid.EventID) Selector {
	out := s.Canonicalize()
	out.After = &id
	return out
}

// StripLimit returns a copy without the download limit. Subscriptions
// store selectors in this form.
func (s Selector) StripLimit() Selector {
	out := s.Canonicalize()
	out.Limit = 0
	return out
}

func normalizeVars(vars map[string]any) map[string]any {
	if len(vars) == 0 {
		return nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return vars
	}
	out := make(map[string]any, len(vars))
	if err := json.Unmarshal(b, &out); err != nil {
		return vars
	}
	return out
}

// ParseJSON reads a selector from a request body, rejecting zero or
// negative limits and strict-mode queries.
func ParseJSON(b []byte) (Selector, error) {
	var probe struct {
		Limit *int64 `json:"limit"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return Selector{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if probe.Limit != nil && *probe.Limit <= 0 {
		return Selector{}, fmt.Errorf("%w: limit must be greater than zero", ErrInvalidInput)
	}

	var s Selector
	if err := json.Unmarshal(b, &s); err != nil {
		return Selector{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := s.Validate(); err != nil {
		return Selector{}, err
	}
	return s.Canonicalize(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
