package controllers

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/log"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/composer"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/graph"
	"github.com/anvil-platform/anvil-mgmt/internal/resolver"
	"github.com/anvil-platform/anvil-mgmt/internal/resource"
	"github.com/anvil-platform/anvil-mgmt/internal/restart"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/semver"
)

const (
	OperationAdd               = "add"
	OperationWriteAttribute    = "write-attribute"
	OperationRemove            = "remove"
	OperationReadResource      = "read-resource"
	OperationReadChildrenNames = "read-children-names"
	OperationReadChildTypes    = "read-child-types"
	OperationReload            = "reload"
)

// ManagementController executes management operations against the resource tree.
//
// Operations on one address are serialized with operations on its ancestors and
// descendants; unrelated subtrees proceed in parallel. Reload excludes everything.
type ManagementController struct {
	Tree        *resource.Tree
	Composer    *composer.Composer
	Coordinator *restart.Coordinator
	Recorder    record.EventRecorder

	// ModelVersion is compared against definitions' DeprecatedSince.
	ModelVersion semver.Version

	locks addressLocks
}

// Add creates the resource at addr with the given attributes. The resource becomes
// visible only once its services are up.
func (c *ManagementController) Add(ctx context.Context, addr mgmtv1alpha1.Address, attrs map[string]interface{}) (res *mgmtv1alpha1.ManagedResource, err error) {
	logger := log.FromContext(ctx).WithValues("controller", "Management", "operation", OperationAdd, "address", addr.String())
	ctx = log.IntoContext(ctx, logger)
	defer func() { c.observe(OperationAdd, err) }()

	el, ok := addr.Last()
	if !ok {
		return nil, fmt.Errorf("%w: the root always exists", errdefs.ErrDuplicateResource)
	}
	unlock := c.locks.lock(addr)
	defer unlock()

	parent, err := c.Tree.Get(ctx, addr.Parent())
	if err != nil {
		return nil, err
	}
	if parent.IsPlaceholder() || parent.Definition().IsDynamic(el.Type) {
		return nil, fmt.Errorf("%w: %s is computed from live state and cannot be added", errdefs.ErrConstraintViolation, addr)
	}
	def, err := c.Tree.DefinitionFor(addr)
	if err != nil {
		return nil, err
	}
	if parent.HasChild(ctx, el) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrDuplicateResource, addr)
	}

	prepared, err := c.Composer.Prepare(ctx, addr, def, schema.ModelFrom(attrs))
	if err != nil {
		logger.Info("add rejected", "error", err.Error())
		return nil, err
	}
	node := resource.NewNode(addr, def, prepared.Model)
	c.Composer.AttachProviders(node)
	deprecated := c.checkDeprecated(ctx, node)

	if def.AddRestartLevel == schema.RestartAllServices {
		if err := c.Tree.Insert(ctx, node); err != nil {
			return nil, err
		}
		c.Coordinator.FlagNode(node, "added; takes effect after reload")
		c.recordEventf(node, corev1.EventTypeNormal, ReasonReloadRequired, "Resource %s takes effect after reload", addr)
		c.recordDeprecated(node, deprecated)
		c.refreshGauges()
		return node.Snapshot(false), nil
	}

	if err := c.Composer.Install(ctx, node, prepared); err != nil {
		logger.Info("add rejected", "error", err.Error())
		if errors.Is(err, errdefs.ErrServiceInstallFailed) {
			c.recordEventf(node, corev1.EventTypeWarning, ReasonInstallFailed, "Install of %s failed: %v", addr, err)
		}
		return nil, err
	}
	if def.NewService != nil {
		setServiceReadyCondition(node)
	}
	if err := c.Tree.Insert(ctx, node); err != nil {
		if uerr := c.Composer.Uninstall(ctx, node); uerr != nil {
			logger.Error(uerr, "failed to uninstall services of rejected resource")
		}
		return nil, err
	}

	logger.V(1).Info("resource added", "capabilities", node.Capabilities())
	c.recordEventf(node, corev1.EventTypeNormal, ReasonInstalled, "Resource %s added", addr)
	c.recordDeprecated(node, deprecated)
	c.refreshGauges()
	return node.Snapshot(false), nil
}

// WriteAttribute sets one attribute of the resource at addr. A nil value undefines it.
func (c *ManagementController) WriteAttribute(ctx context.Context, addr mgmtv1alpha1.Address, name string, value interface{}) (out restart.Outcome, err error) {
	logger := log.FromContext(ctx).WithValues("controller", "Management", "operation", OperationWriteAttribute)
	ctx = log.IntoContext(ctx, logger)
	defer func() { c.observe(OperationWriteAttribute, err) }()

	unlock := c.locks.lock(addr)
	defer unlock()

	node, err := c.Tree.Get(ctx, addr)
	if err != nil {
		return out, err
	}
	if node.IsPlaceholder() {
		return out, fmt.Errorf("%w: %s is computed from live state and has no writable attributes", errdefs.ErrConstraintViolation, addr)
	}

	out, err = c.Coordinator.WriteAttribute(ctx, node, name, value)
	defer c.refreshGauges()
	rebuilt := passedThrough(out, restart.StateRebuildResource)
	if rebuilt {
		setServiceReadyCondition(node)
	}
	switch {
	case err == nil:
	case passedThrough(out, restart.StateDegraded):
		c.recordEventf(node, corev1.EventTypeWarning, ReasonDegraded, "%v", err)
		return out, err
	case passedThrough(out, restart.StateRollback):
		c.recordEventf(node, corev1.EventTypeWarning, ReasonInstallFailed, "Write of %s rolled back: %v", name, err)
		return out, err
	default:
		logger.Info("write rejected", "address", addr.String(), "attribute", name, "error", err.Error())
		return out, err
	}

	mgmtWriteRestartLevelTotal.WithLabelValues(out.Level.String()).Inc()
	if out.ReloadRequired {
		c.recordEventf(node, corev1.EventTypeNormal, ReasonReloadRequired, "Attribute %s takes effect after reload", name)
	}
	if rebuilt {
		c.recordEventf(node, corev1.EventTypeNormal, ReasonRestarted, "Services restarted for attribute %s", name)
	}
	return out, nil
}

// Remove deletes the resource at addr together with its stored children. It fails,
// changing nothing, while a resource outside the subtree references one of the
// subtree's capabilities. Degraded resources can always be removed.
func (c *ManagementController) Remove(ctx context.Context, addr mgmtv1alpha1.Address) (err error) {
	logger := log.FromContext(ctx).WithValues("controller", "Management", "operation", OperationRemove, "address", addr.String())
	ctx = log.IntoContext(ctx, logger)
	defer func() { c.observe(OperationRemove, err) }()

	if len(addr) == 0 {
		return fmt.Errorf("%w: the root cannot be removed", errdefs.ErrConstraintViolation)
	}
	unlock := c.locks.lock(addr)
	defer unlock()

	node, err := c.Tree.Get(ctx, addr)
	if err != nil {
		return err
	}
	if node.IsPlaceholder() {
		return fmt.Errorf("%w: %s is computed from live state and cannot be removed", errdefs.ErrConstraintViolation, addr)
	}

	subtree := collectSubtree(node)
	if err := c.checkExternalDependents(subtree); err != nil {
		logger.Info("remove rejected", "error", err.Error())
		return err
	}
	order, err := orderByDependencies(subtree)
	if err != nil {
		return err
	}

	reload := false
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.Definition().RemoveRestartLevel == schema.RestartAllServices {
			reload = true
			continue
		}
		if err := c.Composer.Uninstall(ctx, n); err != nil {
			return err
		}
	}
	if _, err := c.Tree.Delete(ctx, addr); err != nil {
		return err
	}
	if reload {
		c.Coordinator.MarkReloadRequired()
		c.recordEventf(node, corev1.EventTypeNormal, ReasonReloadRequired, "Removal of %s takes effect after reload", addr)
	}
	c.recordEventf(node, corev1.EventTypeNormal, ReasonRemoved, "Resource %s removed", addr)
	c.refreshGauges()
	return nil
}

// ReadResource returns a snapshot of the resource at addr. Children computed from live
// state are never part of a snapshot.
func (c *ManagementController) ReadResource(ctx context.Context, addr mgmtv1alpha1.Address, recursive bool) (res *mgmtv1alpha1.ManagedResource, err error) {
	defer func() { c.observe(OperationReadResource, err) }()
	node, err := c.Tree.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	return node.Snapshot(recursive), nil
}

// ReadChildrenNames lists the keys of addr's children of childType, sorted. Live-state
// types are answered by the resource's service; an unknown type yields no names.
func (c *ManagementController) ReadChildrenNames(ctx context.Context, addr mgmtv1alpha1.Address, childType string) (names []string, err error) {
	defer func() { c.observe(OperationReadChildrenNames, err) }()
	node, err := c.Tree.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	return sets.List(node.ChildrenNames(ctx, childType)), nil
}

// ReadChildTypes lists the child types addr currently has children of.
func (c *ManagementController) ReadChildTypes(ctx context.Context, addr mgmtv1alpha1.Address) (types []string, err error) {
	defer func() { c.observe(OperationReadChildTypes, err) }()
	node, err := c.Tree.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	return node.ChildTypes(ctx), nil
}

// ReloadRequired reports whether stored configuration is waiting for Reload.
func (c *ManagementController) ReloadRequired() bool {
	return c.Coordinator.ReloadRequired()
}

// Reload stops every service, dependents first, then rebuilds every stored resource
// from its model, dependencies first. A resource that cannot be rebuilt is marked
// Degraded and the reload continues; the returned error aggregates those failures.
func (c *ManagementController) Reload(ctx context.Context) (err error) {
	logger := log.FromContext(ctx).WithValues("controller", "Management", "operation", OperationReload)
	ctx = log.IntoContext(context.WithoutCancel(ctx), logger)
	defer func() { c.observe(OperationReload, err) }()

	unlock := c.locks.lockAll()
	defer unlock()

	var nodes []*resource.Node
	_ = c.Tree.Walk(func(n *resource.Node) error {
		nodes = append(nodes, n)
		return nil
	})
	order, err := orderByDependencies(nodes)
	if err != nil {
		return err
	}

	if err := c.Composer.Container().Shutdown(ctx); err != nil {
		logger.Error(err, "services did not stop cleanly")
	}
	for _, n := range nodes {
		if err := c.Composer.Teardown(ctx, n); err != nil {
			logger.Error(err, "teardown failed", "address", n.Address().String())
		}
		n.SetController(nil)
	}
	if dropped := c.Composer.Registry().Clear(); dropped > 0 {
		logger.V(1).Info("capability registrations dropped", "count", dropped)
	}

	var errs []error
	for _, n := range order {
		def := n.Definition()
		if def.NewService == nil {
			markActive(n)
			continue
		}
		prepared, err := c.Composer.Prepare(ctx, n.Address(), def, n.Model())
		if err == nil {
			err = c.Composer.Install(ctx, n, prepared)
		}
		if err != nil {
			err = fmt.Errorf("%w: %v", errdefs.ErrDegraded, err)
			logger.Error(err, "resource could not be rebuilt", "address", n.Address().String())
			markDegraded(n, err)
			c.recordEventf(n, corev1.EventTypeWarning, ReasonDegraded, "Reload of %s failed: %v", n.Address(), err)
			errs = append(errs, err)
			continue
		}
		markActive(n)
		c.recordEventf(n, corev1.EventTypeNormal, ReasonReloaded, "Services of %s rebuilt by reload", n.Address())
	}
	c.Coordinator.ClearReloadRequired()
	c.refreshGauges()
	logger.Info("reload complete", "resources", len(order), "degraded", len(errs))
	return utilerrors.NewAggregate(errs)
}

func (c *ManagementController) checkDeprecated(ctx context.Context, node *resource.Node) bool {
	since := node.Definition().DeprecatedSince
	deprecated, err := semver.Deprecated(c.ModelVersion, since)
	if err != nil {
		log.FromContext(ctx).Error(err, "invalid deprecated-since on resource definition", "since", since)
		return false
	}
	if !deprecated {
		return false
	}
	log.FromContext(ctx).Info("resource type is deprecated", "since", since, "modelVersion", c.ModelVersion.String())
	setDeprecatedCondition(node, since, c.ModelVersion.String())
	return true
}

func (c *ManagementController) recordDeprecated(node *resource.Node, deprecated bool) {
	if deprecated {
		c.recordEventf(node, corev1.EventTypeNormal, ReasonDeprecated, "Resource type %s is deprecated since %s",
			node.Definition().Type, node.Definition().DeprecatedSince)
	}
}

// checkExternalDependents rejects removing nodes while a capability they register, or
// a service they run, is required by something outside of them. Services of resources
// without capabilities are only known to the container, so both are asked.
func (c *ManagementController) checkExternalDependents(nodes []*resource.Node) error {
	owned := sets.New[string]()
	services := sets.New[string]()
	for _, n := range nodes {
		owned.Insert(n.Capabilities()...)
		if def := n.Definition(); def != nil && def.NewService != nil {
			services.Insert(composer.ServiceName(n))
		}
	}
	for _, name := range sets.List(owned) {
		outside := sets.New(c.Composer.Registry().Dependents(name)...).Difference(owned)
		if outside.Len() > 0 {
			return fmt.Errorf("%w: %s is required by %v", errdefs.ErrDependentStillRegistered, name, sets.List(outside))
		}
	}
	for _, name := range sets.List(services) {
		outside := sets.New(c.Composer.Container().Dependents(name)...).Difference(services)
		if outside.Len() > 0 {
			return fmt.Errorf("%w: service %s is required by %v", errdefs.ErrDependentStillRegistered, name, sets.List(outside))
		}
	}
	return nil
}

func (c *ManagementController) refreshGauges() {
	degraded := 0
	_ = c.Tree.Walk(func(n *resource.Node) error {
		if n.Phase() == mgmtv1alpha1.PhaseDegraded {
			degraded++
		}
		return nil
	})
	mgmtDegradedResources.Set(float64(degraded))
	reload := 0.0
	if c.Coordinator.ReloadRequired() {
		reload = 1
	}
	mgmtReloadRequired.Set(reload)
	mgmtCapabilityRegistrations.Set(float64(c.Composer.Registry().Len()))
}

func (c *ManagementController) observe(operation string, err error) {
	mgmtOperationsTotal.WithLabelValues(operation, outcomeOf(err)).Inc()
}

func (c *ManagementController) recordEventf(node *resource.Node, eventType, reason, messageFmt string, args ...any) {
	if c.Recorder == nil || node == nil {
		return
	}
	c.Recorder.Eventf(node.Snapshot(false), eventType, reason, messageFmt, args...)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case !errdefs.IsRecoverable(err):
		return "degraded"
	case errors.Is(err, errdefs.ErrServiceInstallFailed):
		return "failed"
	default:
		return "rejected"
	}
}

func passedThrough(out restart.Outcome, s restart.State) bool {
	for _, t := range out.Transitions {
		if t == s {
			return true
		}
	}
	return false
}

// collectSubtree returns node and its stored descendants, parents first.
func collectSubtree(node *resource.Node) []*resource.Node {
	out := []*resource.Node{node}
	for _, c := range node.StoredChildren() {
		out = append(out, collectSubtree(c)...)
	}
	return out
}

// orderByDependencies orders nodes so that parents come before children and capability
// providers before the resources referencing them. References to capabilities outside
// nodes are ignored.
func orderByDependencies(nodes []*resource.Node) ([]*resource.Node, error) {
	byAddr := make(map[string]*resource.Node, len(nodes))
	owner := make(map[string]string)
	for _, n := range nodes {
		key := n.Address().String()
		byAddr[key] = n
		for _, name := range n.Definition().CapabilityNames(n.Key()) {
			owner[name] = key
		}
	}

	g := graph.New()
	for key, n := range byAddr {
		g.AddNode(key)
		if parent := n.Address().Parent().String(); byAddr[parent] != nil {
			g.AddEdge(key, parent)
		}
		for _, name := range resolver.Referenced(n.Definition().Schema, n.Model()) {
			if dep, ok := owner[name]; ok && dep != key {
				g.AddEdge(key, dep)
			}
		}
	}
	keys, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	out := make([]*resource.Node, 0, len(keys))
	for _, key := range keys {
		out = append(out, byAddr[key])
	}
	return out, nil
}
