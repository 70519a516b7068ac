package buildgraph

import "fmt"

// Product is a named description of a prebuilt artifact, such as a system
// library discovered outside the build. Products resolve like targets but
// carry no actions; depending on a product contributes its data to the
// dependent's translator instead of a graph edge.
type Product struct {
	scope *Scope
	name  string

	// Kind tags the data format, e.g. "c_library".
	Kind string

	// Data holds the product information. Its keys depend on Kind.
	Data map[string]string
}

// Name returns the product name, unique within its scope.
func (p *Product) Name() string { return p.name }

// LongName returns the absolute reference form of the product.
func (p *Product) LongName() string {
	return fmt.Sprintf("//%s:%s", p.scope.name, p.name)
}
