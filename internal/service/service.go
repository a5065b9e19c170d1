// Package service runs the units of work that back configuration resources.
//
// A Container installs services under stable names, records dependency edges between
// them and drives their start/stop lifecycle. Every installation gets a fresh Identity
// so a rebuilt service is distinguishable from the instance it replaced.
package service

import (
	"context"

	"github.com/google/uuid"
)

// Service is a unit of work with a start/stop lifecycle.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Identity names one installed instance of a service.
type Identity struct {
	Name     string
	Instance uuid.UUID
}

// NewIdentity allocates a fresh instance for name.
func NewIdentity(name string) Identity {
	return Identity{Name: name, Instance: uuid.New()}
}

func (id Identity) IsZero() bool {
	return id.Name == "" && id.Instance == uuid.Nil
}

func (id Identity) String() string {
	return id.Name + "#" + id.Instance.String()
}

// State is the lifecycle state of an installed service.
type State int32

const (
	StateDown State = iota
	StateStarting
	StateUp
	StateFailed
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateStarting:
		return "STARTING"
	case StateUp:
		return "UP"
	case StateFailed:
		return "FAILED"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Func adapts plain functions to Service. Nil functions are no-ops.
type Func struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
