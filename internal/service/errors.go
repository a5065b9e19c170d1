package service

import (
	"errors"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

func isNoSuchService(err error) bool {
	return errors.Is(err, errdefs.ErrNoSuchService)
}

// IgnoreNoSuchService returns nil if err only reports a missing service.
func IgnoreNoSuchService(err error) error {
	if isNoSuchService(err) {
		return nil
	}
	return err
}
