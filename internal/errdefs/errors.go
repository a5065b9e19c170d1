// Package errdefs defines the error taxonomy shared by every management operation.
//
// Packages wrap these sentinels with fmt.Errorf("%w: ...") so callers (and the
// transport layer) can classify a failure with errors.Is without knowing which
// component produced it.
package errdefs

import "errors"

var (
	// ErrConstraintViolation rejects an operation whose model breaks an attribute constraint.
	// No mutation has been performed.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrUnresolvedCapability indicates a referenced capability is not registered.
	ErrUnresolvedCapability = errors.New("unresolved capability")

	// ErrDuplicateCapability indicates a capability name is already registered.
	ErrDuplicateCapability = errors.New("duplicate capability")

	// ErrDependentStillRegistered rejects a removal while something still depends on the target.
	ErrDependentStillRegistered = errors.New("dependent still registered")

	// ErrCyclicDependency indicates a capability or service edge would close a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrNoSuchResource is returned by navigation when an address does not exist.
	ErrNoSuchResource = errors.New("no such resource")

	// ErrDuplicateResource indicates a resource already exists at the address.
	ErrDuplicateResource = errors.New("duplicate resource")

	// ErrServiceInstallFailed indicates a service could not be started.
	ErrServiceInstallFailed = errors.New("service install failed")

	// ErrNoSuchService indicates a service name is not installed.
	ErrNoSuchService = errors.New("no such service")

	// ErrDegraded marks a resource whose services could not be rebuilt consistently.
	// It is terminal for the resource and needs operator intervention.
	ErrDegraded = errors.New("resource degraded")
)

// IsRecoverable reports whether err belongs to the recoverable part of the taxonomy.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrDegraded)
}
