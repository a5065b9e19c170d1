// Package resolver turns capability-reference attribute values into the concrete service
// identities a resource's new service must depend on.
package resolver

import "context"

// Resolver computes a Plan for one resource model. It performs no mutation.
type Resolver interface {
	Resolve(ctx context.Context, in Input) (Plan, error)
}
