package buildgraph

import (
	"fmt"
	"strings"
)

// Ref is a parsed reference of the form `[//scope]:name`. A Ref with an empty
// Scope is relative and must be resolved against a current scope before use.
type Ref struct {
	Scope string
	Name  string
}

// IsRef reports whether s has the shape of a reference. Any other string is
// simply not a reference; that is not an error.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "//") || strings.HasPrefix(s, ":")
}

// ParseRef parses `//scope:name` (absolute) or `:name` (relative). Malformed
// reference strings fail with a *RefSyntaxError.
func ParseRef(s string) (Ref, error) {
	if !IsRef(s) {
		return Ref{}, &RefSyntaxError{Ref: s, Reason: "must start with '//' or ':'"}
	}

	left, name, found := strings.Cut(s, ":")
	if !found {
		return Ref{}, &RefSyntaxError{Ref: s, Reason: "missing ':' separator"}
	}
	if name == "" {
		return Ref{}, &RefSyntaxError{Ref: s, Reason: "empty name"}
	}
	if strings.Contains(name, ":") || strings.Contains(name, "/") {
		return Ref{}, &RefSyntaxError{Ref: s, Reason: "invalid character in name"}
	}

	scope := ""
	if left != "" {
		scope = strings.TrimPrefix(left, "//")
		if scope == "" {
			return Ref{}, &RefSyntaxError{Ref: s, Reason: "empty scope"}
		}
	}
	return Ref{Scope: scope, Name: name}, nil
}

// In returns an absolute copy of r, substituting scopeName when r is relative.
func (r Ref) In(scopeName string) Ref {
	if r.Scope == "" {
		r.Scope = scopeName
	}
	return r
}

// String renders the reference in its absolute form.
func (r Ref) String() string {
	if r.Scope == "" {
		return ":" + r.Name
	}
	return fmt.Sprintf("//%s:%s", r.Scope, r.Name)
}
