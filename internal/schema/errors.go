package schema

import (
	"errors"
	"fmt"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

// ConstraintViolation names the attribute and constraint that rejected a model.
type ConstraintViolation struct {
	// Attribute is the first attribute involved, in schema order.
	Attribute string
	Reason    string
}

func (e *ConstraintViolation) Error() string {
	return "constraint violation: " + e.Reason
}

func (e *ConstraintViolation) Unwrap() error {
	return errdefs.ErrConstraintViolation
}

func violation(attr, format string, args ...interface{}) *ConstraintViolation {
	return &ConstraintViolation{Attribute: attr, Reason: fmt.Sprintf(format, args...)}
}

// AsViolation extracts the ConstraintViolation from err, if any.
func AsViolation(err error) (*ConstraintViolation, bool) {
	var cv *ConstraintViolation
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}
