package resolver

import (
	"k8s.io/apimachinery/pkg/util/sets"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

// Lookup resolves a full capability name to the identity providing it.
type Lookup interface {
	Resolve(name string) (service.Identity, error)
}

// Input is the view of one resource the resolver operates on.
type Input struct {
	Address mgmtv1alpha1.Address
	Schema  *schema.Schema
	Model   *schema.Model
	// Own lists the capabilities the resource itself registers; referencing them is
	// rejected.
	Own []string
}

// Reference is one resolved capability reference.
type Reference struct {
	Attribute  string
	Value      string
	Capability string
	Identity   service.Identity
}

// Plan lists the resolved references in schema order, then value order.
type Plan struct {
	References  []Reference
	Diagnostics Diagnostics
}

// Requires returns the distinct capability names the plan depends on, sorted.
func (p Plan) Requires() []string {
	out := sets.New[string]()
	for _, r := range p.References {
		out.Insert(r.Capability)
	}
	return sets.List(out)
}

// Identities returns the distinct identities the plan depends on, in reference order.
func (p Plan) Identities() []service.Identity {
	seen := sets.New[string]()
	var out []service.Identity
	for _, r := range p.References {
		if seen.Has(r.Identity.Name) {
			continue
		}
		seen.Insert(r.Identity.Name)
		out = append(out, r.Identity)
	}
	return out
}

// Diagnostics captures why references could not be resolved, for status and logging.
type Diagnostics struct {
	Unresolved []UnresolvedReference
}

type UnresolvedReference struct {
	Attribute  string
	Capability string
	Reason     string
}
