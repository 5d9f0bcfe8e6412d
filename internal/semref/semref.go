// Package semref implements the semantic-reference grammar used to identify
// artifacts and actors across the system. A reference is a string of the form
// "Type:Id", e.g. "Actor:A1" or "Process:onboarding".
package semref

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidRef indicates a string that does not match the Type:Id grammar.
var ErrInvalidRef = errors.New("invalid semantic reference")

var refPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*):([A-Za-z0-9][A-Za-z0-9_.-]*)$`)

// Ref is a parsed semantic reference.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Parse parses s into a Ref. Returns ErrInvalidRef when s does not match
// the Type:Id grammar.
func Parse(s string) (Ref, error) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Type: m[1], ID: m[2]}, nil
}

// MustParse parses s and panics on error. For use in tests and constants.
func MustParse(s string) Ref {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Valid reports whether s matches the Type:Id grammar.
func Valid(s string) bool {
	return refPattern.MatchString(s)
}

// String returns the canonical Type:Id form.
func (r Ref) String() string {
	return r.Type + ":" + r.ID
}

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// SameType reports whether both references share a type, case-insensitively.
func (r Ref) SameType(other Ref) bool {
	return strings.EqualFold(r.Type, other.Type)
}
