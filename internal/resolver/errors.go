package resolver

import (
	"fmt"
	"strings"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

// UnresolvedError reports every reference of a model that could not be resolved.
type UnresolvedError struct {
	Address    string
	Unresolved []UnresolvedReference
}

func (e *UnresolvedError) Error() string {
	parts := make([]string, 0, len(e.Unresolved))
	for _, u := range e.Unresolved {
		parts = append(parts, fmt.Sprintf("%s (attribute %s: %s)", u.Capability, u.Attribute, u.Reason))
	}
	return fmt.Sprintf("%s: %s: %s", errdefs.ErrUnresolvedCapability, e.Address, strings.Join(parts, "; "))
}

func (e *UnresolvedError) Unwrap() error {
	return errdefs.ErrUnresolvedCapability
}
