// package notify fans newly appended events out to channel
// subscriptions over SSE and WebSocket streams.
package notify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ohler55/ojg/jp"

	evently "github.com/evently-cloud/rest-api"
	"github.com/evently-cloud/rest-api/pkg/event"
	"github.com/evently-cloud/rest-api/pkg/selector"
)

// Matcher is a selector compiled to an in-process predicate over a
// persisted event. It must agree with the SQL predicate the selector
// generates for the database.
type Matcher func(event.Persisted) bool

// Compile builds the predicate: a disjunction of the entities clause,
// the meta clause, and the per-event-name data clauses. A plain
// selector always matches.
func Compile(sel selector.Selector) (Matcher, error) {
	sel = sel.Canonicalize()
	if !sel.IsFilter() {
		return func(event.Persisted) bool { return true }, nil
	}

	var metaMatch func(json.RawMessage) bool
	if sel.Meta != nil {
		m, err := compileQuery(*sel.Meta)
		if err != nil {
			return nil, err
		}
		metaMatch = m
	}

	dataMatch := make(map[string]func(json.RawMessage) bool, len(sel.Events))
	for name, q := range sel.Events {
		m, err := compileQuery(q)
		if err != nil {
			return nil, err
		}
		dataMatch[name] = m
	}

	entities := sel.Entities

	return func(ev event.Persisted) bool {
		if len(entities) > 0 && entitiesIntersect(entities, ev) {
			return true
		}
		if metaMatch != nil && metaMatch(ev.Meta) {
			return true
		}
		if m, ok := dataMatch[ev.Event]; ok && m(ev.Data) {
			return true
		}
		return false
	}, nil
}

func entitiesIntersect(want map[string][]string, ev event.Persisted) bool {
	have, err := ev.EntityMap()
	if err != nil || len(have) == 0 {
		return false
	}
	for name, keys := range want {
		got, ok := have[name]
		if !ok {
			continue
		}
		for _, k := range keys {
			for _, g := range got {
				if k == g {
					return true
				}
			}
		}
	}
	return false
}

// compileQuery builds a jsonpath exists-check with the database's
// `path ? (predicate)` form: the predicate applies to each value the
// path resolves, and the query holds when any value satisfies it. A
// query of exactly "$" is true without engaging the engine.
func compileQuery(q selector.Query) (func(json.RawMessage) bool, error) {
	raw := substituteVars(q.Query, q.Vars)
	if strings.TrimSpace(raw) == "$" {
		return func(json.RawMessage) bool { return true }, nil
	}

	pathPart, condPart, err := splitFilter(raw)
	if err != nil {
		return nil, evently.Wrap(evently.KindBadInput,
			fmt.Sprintf("query %q does not parse", q.Query), err)
	}

	expr, err := jp.ParseString(pathPart)
	if err != nil {
		return nil, evently.Wrap(evently.KindBadInput,
			fmt.Sprintf("query %q does not parse", q.Query), err)
	}

	var pred cond
	if condPart != "" {
		pred, err = parseCond(condPart)
		if err != nil {
			return nil, evently.Wrap(evently.KindBadInput,
				fmt.Sprintf("query %q does not parse", q.Query), err)
		}
	}

	return func(doc json.RawMessage) bool {
		if len(doc) == 0 {
			return false
		}
		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			return false
		}
		values := expr.Get(v)
		if pred == nil {
			return len(values) > 0
		}
		for _, value := range values {
			if pred.eval(value) {
				return true
			}
		}
		return false
	}, nil
}

// splitFilter separates `path ? (predicate)` into its halves. Queries
// without a filter return an empty predicate.
func splitFilter(q string) (path, predicate string, err error) {
	i := strings.Index(q, "?")
	if i < 0 {
		return strings.TrimSpace(q), "", nil
	}

	j := i + 1
	for j < len(q) && q[j] == ' ' {
		j++
	}
	if j >= len(q) || q[j] != '(' {
		return "", "", fmt.Errorf("expected ( after ?")
	}
	k, ok := matchParen(q, j)
	if !ok {
		return "", "", fmt.Errorf("unbalanced parentheses")
	}
	if rest := strings.TrimSpace(q[k+1:]); rest != "" {
		return "", "", fmt.Errorf("trailing %q after filter", rest)
	}
	return strings.TrimSpace(q[:i]), strings.TrimSpace(q[j+1 : k]), nil
}

func matchParen(q string, open int) (int, bool) {
	depth := 0
	for k := open; k < len(q); k++ {
		switch q[k] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return k, true
			}
		}
	}
	return 0, false
}

var varPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteVars inlines the bindings as JSON literals, the same values
// jsonb_path_exists receives in its vars argument.
func substituteVars(query string, vars map[string]any) string {
	if len(vars) == 0 {
		return query
	}
	return varPattern.ReplaceAllStringFunc(query, func(m string) string {
		v, ok := vars[m[1:]]
		if !ok {
			return m
		}
		b, err := json.Marshal(v)
		if err != nil {
			return m
		}
		return string(b)
	})
}
