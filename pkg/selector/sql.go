package selector

import (
	"encoding/json"
	"strings"
)

// SQL renders the selector as the predicate fragment handed to the
// database. The bytes are load bearing twice over: the store splices
// them into WHERE clauses, and append_event compares them byte for byte
// to detect contended selectors. Generation is deterministic — keys are
// sorted everywhere and no encoder options float.
func (s Selector) SQL() []byte {
	s = s.Canonicalize()
	if !s.IsFilter() {
		return []byte("true")
	}

	var clauses []string

	if len(s.Entities) > 0 {
		var parts []string
		for _, name := range sortedKeys(s.Entities) {
			var b strings.Builder
			b.WriteString("entities @? '$.")
			b.WriteString(pathName(name))
			b.WriteString(" ? (")
			for i, key := range s.Entities[name] {
				if i > 0 {
					b.WriteString(" || ")
				}
				b.WriteString(`@=="`)
				b.WriteString(escapeLiteral(escapePathString(key)))
				b.WriteString(`"`)
			}
			b.WriteString(")'")
			parts = append(parts, b.String())
		}
		clauses = append(clauses, strings.Join(parts, " OR "))
	}

	if s.Meta != nil {
		clauses = append(clauses, jsonPathSQL("meta", *s.Meta))
	}

	if len(s.Events) > 0 {
		var anyData []string
		var parts []string
		for _, name := range sortedKeys(s.Events) {
			q := s.Events[name]
			if q.Query == "$" && len(q.Vars) == 0 {
				anyData = append(anyData, name)
				continue
			}
			parts = append(parts,
				"(event = '"+escapeLiteral(name)+"' AND "+jsonPathSQL("data", q)+")")
		}
		switch len(anyData) {
		case 0:
		case 1:
			parts = append(parts, "event = '"+escapeLiteral(anyData[0])+"'")
		default:
			quoted := make([]string, len(anyData))
			for i, name := range anyData {
				quoted[i] = `"` + escapeLiteral(name) + `"`
			}
			parts = append(parts, "event = ANY('{"+strings.Join(quoted, ",")+"}')")
		}
		clauses = append(clauses, strings.Join(parts, " OR "))
	}

	return []byte("(" + strings.Join(clauses, " OR ") + ")")
}

func jsonPathSQL(column string, q Query) string {
	if len(q.Vars) == 0 {
		return column + " @? '" + escapeLiteral(q.Query) + "'"
	}
	vars, _ := json.Marshal(q.Vars)
	return "jsonb_path_exists(" + column +
		", '" + escapeLiteral(q.Query) +
		"', '" + escapeLiteral(string(vars)) + "')"
}

// pathName renders a jsonpath member accessor for an arbitrary name.
func pathName(name string) string {
	return `"` + escapeLiteral(escapePathString(name)) + `"`
}

// escapeLiteral doubles single quotes, the database's literal form.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// escapePathString escapes characters significant inside a jsonpath
// double quoted string.
func escapePathString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
