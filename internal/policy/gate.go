// Package policy implements the read-only gate applied after the user has
// explicitly accepted degraded mode. The gate is a pure classification over
// the operation type and payload; it runs identically on the owner-local and
// the bridged dispatch path, and a rejection never reaches the bus or the
// engine.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/soledb/soledb/internal/envelope"
)

// ErrReadOnly is wrapped by every gate rejection.
var ErrReadOnly = errors.New("not permitted in read-only mode")

// Named operation kinds allowed regardless of payload.
var allowedKinds = map[envelope.OpType]bool{
	envelope.OpInit:          true,
	envelope.OpDiagnostics:   true,
	envelope.OpHealth:        true,
	envelope.OpStorageStatus: true,
	envelope.OpExport:        true,
}

// SQL verbs of the query/introspection class.
var readVerbs = map[string]bool{
	"SELECT":  true,
	"PRAGMA":  true,
	"EXPLAIN": true,
}

// Verbs that make a WITH-prefixed statement a write.
var mutatingTailVerbs = []string{"INSERT", "UPDATE", "DELETE", "REPLACE"}

// Check returns nil if the operation is permitted in read-only mode.
// For exec operations the leading keyword of the SQL text decides; for every
// other kind the explicit allow-list decides.
func Check(op envelope.OpType, payload json.RawMessage) error {
	if op != envelope.OpExec {
		if allowedKinds[op] {
			return nil
		}
		return fmt.Errorf("%w: operation %s", ErrReadOnly, op)
	}

	var p envelope.ExecPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: malformed exec payload", ErrReadOnly)
	}
	verb := LeadingKeyword(p.SQL)
	if verb == "" {
		return fmt.Errorf("%w: empty statement", ErrReadOnly)
	}
	if readVerbs[verb] {
		return nil
	}
	// A CTE can terminate in a write; allow WITH only when no mutating verb
	// appears anywhere after the prologue.
	if verb == "WITH" && !containsMutatingVerb(p.SQL) {
		return nil
	}
	return fmt.Errorf("%w: statement %s", ErrReadOnly, verb)
}

// LeadingKeyword returns the first SQL keyword, uppercased, with leading
// whitespace and comments stripped.
func LeadingKeyword(sql string) string {
	s := stripLeading(sql)
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' {
			end++
			continue
		}
		break
	}
	return strings.ToUpper(s[:end])
}

// stripLeading removes whitespace, line comments, and block comments from
// the front of a statement.
func stripLeading(sql string) string {
	s := sql
	for {
		s = strings.TrimLeft(s, " \t\r\n\v\f")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
			} else {
				return ""
			}
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
			} else {
				return ""
			}
		default:
			return s
		}
	}
}

func containsMutatingVerb(sql string) bool {
	upper := strings.ToUpper(sql)
	for _, verb := range mutatingTailVerbs {
		idx := 0
		for {
			i := strings.Index(upper[idx:], verb)
			if i < 0 {
				break
			}
			i += idx
			before := i == 0 || !isWordByte(upper[i-1])
			after := i+len(verb) >= len(upper) || !isWordByte(upper[i+len(verb)])
			if before && after {
				return true
			}
			idx = i + len(verb)
		}
	}
	return false
}

func isWordByte(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
