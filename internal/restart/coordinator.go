// Package restart applies attribute writes and drives the service restarts they need.
//
// A write moves through RECEIVED and VALIDATED, then one of:
//
//	NONE:              COMMITTED
//	RESOURCE_SERVICES: TEARDOWN_RESOURCE -> REBUILD_RESOURCE -> COMMITTED
//	ALL_SERVICES:      FLAG_PROCESS_RESTART_REQUIRED -> COMMITTED
//
// Validation and reference resolution finish before anything is mutated. Once a
// teardown has started it is not cancellable: it ends COMMITTED, rolled back to the
// previous model, or DEGRADED when the rollback also fails.
package restart

import (
	"context"
	"fmt"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/composer"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/resource"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
)

type State string

const (
	StateReceived            State = "RECEIVED"
	StateValidated           State = "VALIDATED"
	StateTeardownResource    State = "TEARDOWN_RESOURCE"
	StateRebuildResource     State = "REBUILD_RESOURCE"
	StateRollback            State = "ROLLBACK"
	StateFlagRestartRequired State = "FLAG_PROCESS_RESTART_REQUIRED"
	StateCommitted           State = "COMMITTED"
	StateDegraded            State = "DEGRADED"
)

// Outcome describes what a write did.
type Outcome struct {
	Level       schema.RestartLevel
	Transitions []State
	// ReloadRequired is set when the change only takes effect after a reload.
	ReloadRequired bool
}

func (o *Outcome) enter(ctx context.Context, s State) {
	o.Transitions = append(o.Transitions, s)
	log.FromContext(ctx).V(1).Info("write transition", "state", string(s))
}

// DegradedError is returned when a restart could neither apply the new model nor restore
// the old one. The resource keeps its last known good model and is marked Degraded.
type DegradedError struct {
	Address       string
	Cause         error
	RollbackCause error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s: %s: rebuild failed: %v; restoring previous configuration failed: %v",
		errdefs.ErrDegraded, e.Address, e.Cause, e.RollbackCause)
}

func (e *DegradedError) Unwrap() []error {
	return []error{errdefs.ErrDegraded, e.Cause}
}

type Coordinator struct {
	composer       *composer.Composer
	reloadRequired atomic.Bool
}

func New(c *composer.Composer) *Coordinator {
	return &Coordinator{composer: c}
}

// WriteAttribute sets name to value on node (nil undefines it) and applies the restart
// its classification requires.
func (c *Coordinator) WriteAttribute(ctx context.Context, node *resource.Node, name string, value interface{}) (Outcome, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("address", node.Address().String(), "attribute", name))
	out := Outcome{}
	out.enter(ctx, StateReceived)

	if node.Phase() == mgmtv1alpha1.PhaseDegraded {
		return out, fmt.Errorf("%w: %s must be removed or repaired first", errdefs.ErrDegraded, node.Address())
	}
	def := node.Definition()
	if def == nil || node.IsPlaceholder() {
		return out, fmt.Errorf("%w: %s has no writable attributes", errdefs.ErrConstraintViolation, node.Address())
	}
	if _, ok := def.Schema.Lookup(name); !ok {
		return out, fmt.Errorf("%s: %w", node.Address(), &schema.ConstraintViolation{Attribute: name, Reason: "unknown attribute " + name})
	}
	if value != nil {
		if err := def.Schema.ValidateAttribute(name, value); err != nil {
			return out, fmt.Errorf("%s: %w", node.Address(), err)
		}
	}

	before := node.Model()
	after := before.Clone()
	if value == nil {
		after.Unset(name)
	} else {
		after.Set(name, value)
	}
	prepared, err := c.composer.Prepare(ctx, node.Address(), def, after)
	if err != nil {
		return out, err
	}
	out.enter(ctx, StateValidated)

	out.Level = def.Schema.Classify(before, prepared.Model)
	switch out.Level {
	case schema.RestartNone:
		node.SetModel(prepared.Model)
	case schema.RestartAllServices:
		out.enter(ctx, StateFlagRestartRequired)
		node.SetModel(prepared.Model)
		c.flag(node, fmt.Sprintf("attribute %s changed", name))
		out.ReloadRequired = true
	case schema.RestartResourceServices:
		if node.Controller() == nil {
			// Nothing is running for this resource; the new model applies when it starts.
			node.SetModel(prepared.Model)
			break
		}
		if err := c.restart(context.WithoutCancel(ctx), node, before, prepared, &out); err != nil {
			return out, err
		}
	}
	out.enter(ctx, StateCommitted)
	return out, nil
}

func (c *Coordinator) restart(ctx context.Context, node *resource.Node, before *schema.Model, next composer.Prepared, out *Outcome) error {
	logger := log.FromContext(ctx)

	out.enter(ctx, StateTeardownResource)
	if err := c.composer.Teardown(ctx, node); err != nil {
		return c.degrade(ctx, node, err, fmt.Errorf("teardown did not complete"), out)
	}

	out.enter(ctx, StateRebuildResource)
	cause := c.composer.Rebuild(ctx, node, next)
	if cause == nil {
		node.SetModel(next.Model)
		return nil
	}

	out.enter(ctx, StateRollback)
	logger.Info("rebuild failed, restoring previous configuration", "error", cause.Error())
	old, err := c.composer.Prepare(ctx, node.Address(), node.Definition(), before)
	if err == nil {
		err = c.composer.Rebuild(ctx, node, old)
	}
	if err != nil {
		return c.degrade(ctx, node, cause, err, out)
	}
	return fmt.Errorf("%w: %s: rebuild failed, previous configuration restored: %v", errdefs.ErrServiceInstallFailed, node.Address(), cause)
}

func (c *Coordinator) degrade(ctx context.Context, node *resource.Node, cause, rollback error, out *Outcome) error {
	out.enter(ctx, StateDegraded)
	derr := &DegradedError{Address: node.Address().String(), Cause: cause, RollbackCause: rollback}
	node.SetPhase(mgmtv1alpha1.PhaseDegraded, derr.Error())
	node.SetCondition(metav1.Condition{
		Type:    mgmtv1alpha1.ConditionDegraded,
		Status:  metav1.ConditionTrue,
		Reason:  "RebuildFailed",
		Message: derr.Error(),
	})
	log.FromContext(ctx).Error(derr, "resource degraded, operator intervention required")
	return derr
}

func (c *Coordinator) flag(node *resource.Node, message string) {
	c.MarkReloadRequired()
	if node.Phase() != mgmtv1alpha1.PhaseDegraded {
		node.SetPhase(mgmtv1alpha1.PhaseReloadRequired, message)
	}
	node.SetCondition(metav1.Condition{
		Type:    mgmtv1alpha1.ConditionReloadRequired,
		Status:  metav1.ConditionTrue,
		Reason:  "AllServicesRestart",
		Message: message,
	})
}

// FlagNode marks node as waiting for a reload and raises the process flag.
func (c *Coordinator) FlagNode(node *resource.Node, message string) {
	c.flag(node, message)
}

func (c *Coordinator) MarkReloadRequired() {
	c.reloadRequired.Store(true)
}

func (c *Coordinator) ReloadRequired() bool {
	return c.reloadRequired.Load()
}

func (c *Coordinator) ClearReloadRequired() {
	c.reloadRequired.Store(false)
}
