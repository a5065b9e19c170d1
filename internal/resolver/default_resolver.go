package resolver

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/anvil-platform/anvil-mgmt/internal/capability"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
)

// DefaultResolver resolves references against a capability registry.
type DefaultResolver struct {
	lookup Lookup
}

func NewDefault(lookup Lookup) *DefaultResolver {
	return &DefaultResolver{lookup: lookup}
}

// Resolve maps every defined capability-reference attribute (STRING or LIST) to
// DynamicName(base, value). It fails with an UnresolvedError listing every reference
// that is missing or names one of the resource's own capabilities.
func (r *DefaultResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	logger := log.FromContext(ctx).WithValues("address", in.Address.String())
	own := sets.New(in.Own...)
	plan := Plan{}

	for _, attr := range in.Schema.References() {
		for _, value := range referenceValues(in.Schema.Effective(in.Model, attr.Name)) {
			name := capability.DynamicName(attr.CapabilityReference, value)
			if own.Has(name) {
				addUnresolved(&plan.Diagnostics, attr.Name, name, "resource cannot reference its own capability")
				continue
			}
			id, err := r.lookup.Resolve(name)
			if err != nil {
				addUnresolved(&plan.Diagnostics, attr.Name, name, "not registered")
				continue
			}
			plan.References = append(plan.References, Reference{
				Attribute:  attr.Name,
				Value:      value,
				Capability: name,
				Identity:   id,
			})
		}
	}

	if n := len(plan.Diagnostics.Unresolved); n > 0 {
		logger.V(1).Info("unresolved capability references", "count", n)
		return plan, &UnresolvedError{Address: in.Address.String(), Unresolved: plan.Diagnostics.Unresolved}
	}
	return plan, nil
}

// Referenced lists the capability names model references, in schema order. It does
// not consult any registry.
func Referenced(s *schema.Schema, m *schema.Model) []string {
	var out []string
	for _, attr := range s.References() {
		for _, value := range referenceValues(s.Effective(m, attr.Name)) {
			out = append(out, capability.DynamicName(attr.CapabilityReference, value))
		}
	}
	return out
}

func addUnresolved(diag *Diagnostics, attribute, name, reason string) {
	diag.Unresolved = append(diag.Unresolved, UnresolvedReference{
		Attribute:  attribute,
		Capability: name,
		Reason:     reason,
	})
}

func referenceValues(v interface{}) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}
