package resource

import (
	"fmt"
	"sort"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/capability"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

// ServiceLookup finds installed services by name.
type ServiceLookup interface {
	Get(name string) (*service.Controller, bool)
}

// ServiceContext is what a definition's service constructor gets to build a service.
type ServiceContext struct {
	Address mgmtv1alpha1.Address
	// Model is a private copy of the resource's validated model.
	Model *schema.Model
	// Schema resolves defaults for attributes missing from Model.
	Schema *schema.Schema
	// Dependencies maps a capability-reference attribute to the controllers its value
	// resolved to, in value order.
	Dependencies map[string][]*service.Controller
	// Services looks up the live instance of a dependency by name. Services that must
	// follow a dependency across its restarts resolve it here on each use.
	Services ServiceLookup
}

// Value returns the effective value of an attribute (falling back to its default).
func (c ServiceContext) Value(name string) interface{} {
	if c.Schema == nil {
		v, _ := c.Model.Get(name)
		return v
	}
	return c.Schema.Effective(c.Model, name)
}

// String returns the effective value of a STRING attribute, or "".
func (c ServiceContext) String(name string) string {
	s, _ := c.Value(name).(string)
	return s
}

// Dependency returns the first controller resolved for attribute, if any.
func (c ServiceContext) Dependency(attribute string) (*service.Controller, bool) {
	deps := c.Dependencies[attribute]
	if len(deps) == 0 {
		return nil, false
	}
	return deps[0], true
}

// Definition describes one resource type at one position of the tree.
type Definition struct {
	Type   string
	Schema *schema.Schema

	// Capabilities are registered once the resource's service is up.
	Capabilities []capability.Descriptor

	// AddRestartLevel and RemoveRestartLevel at ALL_SERVICES mean adding or removing a
	// resource of this type only takes effect after a reload; no service is touched.
	AddRestartLevel    schema.RestartLevel
	RemoveRestartLevel schema.RestartLevel

	// DeprecatedSince is the model version from which the type is deprecated.
	DeprecatedSince string

	// NewService builds the resource's backing service. Nil means the resource has no
	// service and registers no capabilities.
	NewService func(ServiceContext) (service.Service, error)

	// DynamicChildren are child types answered from the live state of this resource's
	// service instead of the stored tree.
	DynamicChildren []string

	children map[string]*Definition
}

// NewRoot returns the definition of the tree root, which has no attributes.
func NewRoot() *Definition {
	return &Definition{Schema: schema.MustNew()}
}

// Register adds child as a child type of d and returns it.
func (d *Definition) Register(child *Definition) *Definition {
	if d.children == nil {
		d.children = make(map[string]*Definition)
	}
	if _, exists := d.children[child.Type]; exists {
		panic(fmt.Sprintf("resource type %q registered twice under %q", child.Type, d.Type))
	}
	if child.Schema == nil {
		child.Schema = schema.MustNew()
	}
	d.children[child.Type] = child
	return child
}

func (d *Definition) Child(childType string) (*Definition, bool) {
	c, ok := d.children[childType]
	return c, ok
}

// ChildTypes returns the registered stored child types, sorted.
func (d *Definition) ChildTypes() []string {
	out := make([]string, 0, len(d.children))
	for t := range d.children {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Lookup walks addr from d and returns the definition at its end.
func (d *Definition) Lookup(addr mgmtv1alpha1.Address) (*Definition, bool) {
	cur := d
	for _, el := range addr {
		next, ok := cur.Child(el.Type)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// IsDynamic reports whether childType is answered from live state.
func (d *Definition) IsDynamic(childType string) bool {
	for _, t := range d.DynamicChildren {
		if t == childType {
			return true
		}
	}
	return false
}

// CapabilityNames returns the full capability names a resource keyed key registers.
func (d *Definition) CapabilityNames(key string) []string {
	if d.NewService == nil {
		return nil
	}
	out := make([]string, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		out = append(out, c.For(key))
	}
	return out
}
