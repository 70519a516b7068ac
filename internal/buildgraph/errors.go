package buildgraph

import (
	"fmt"
	"strings"
)

// RefSyntaxError reports a string that claims to be a reference but cannot be
// parsed as one.
type RefSyntaxError struct {
	Ref    string
	Reason string
}

func (e *RefSyntaxError) Error() string {
	return fmt.Sprintf("invalid reference %q: %s", e.Ref, e.Reason)
}

// UnresolvedRefError reports a well-formed reference with no matching target
// or product.
type UnresolvedRefError struct {
	Ref Ref
}

func (e *UnresolvedRefError) Error() string {
	return fmt.Sprintf("reference %q does not resolve to a target or product", e.Ref.String())
}

// DuplicateTargetError reports two targets declared under the same name in one
// scope, identifying both declaration sites.
type DuplicateTargetError struct {
	Name   string
	First  string
	Second string
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("target %q declared twice (first at %s, again at %s)", e.Name, e.First, e.Second)
}

// DuplicateProductError reports two products declared under the same name in
// one scope.
type DuplicateProductError struct {
	Name string
}

func (e *DuplicateProductError) Error() string {
	return fmt.Sprintf("product %q declared twice", e.Name)
}

// DuplicateActionError reports two actions with the same identifier declared
// by one target. Identifiers need only be unique within their owning target.
type DuplicateActionError struct {
	Target string
	ID     string
}

func (e *DuplicateActionError) Error() string {
	return fmt.Sprintf("target %s declared action %q twice", e.Target, e.ID)
}

// CycleError reports a dependency cycle. Members holds the full cycle in
// dependency order, first member repeated at the end.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Members, " -> ")
}
