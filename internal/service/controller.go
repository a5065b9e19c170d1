package service

import (
	"sync/atomic"
)

// Controller is the handle to one installed service instance.
//
// State is an atomic snapshot so callers may poll it from any goroutine without
// blocking on an in-flight start or stop.
type Controller struct {
	id    Identity
	svc   Service
	deps  []Identity
	state atomic.Int32

	// started is closed once Start returned; startErr is written before the close.
	started  chan struct{}
	startErr error
}

func newController(id Identity, svc Service, deps []Identity) *Controller {
	c := &Controller{
		id:      id,
		svc:     svc,
		deps:    append([]Identity(nil), deps...),
		started: make(chan struct{}),
	}
	c.state.Store(int32(StateStarting))
	return c
}

func (c *Controller) Identity() Identity {
	return c.id
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Service returns the running value. Callers must check State before relying on it.
func (c *Controller) Service() Service {
	return c.svc
}

// Dependencies returns the identities this instance was wired to at install time.
func (c *Controller) Dependencies() []Identity {
	return append([]Identity(nil), c.deps...)
}

// Err returns the start error, if start has finished and failed.
func (c *Controller) Err() error {
	select {
	case <-c.started:
		return c.startErr
	default:
		return nil
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}
