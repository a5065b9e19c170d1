// Package composer installs and removes the services backing resources.
//
// Install order is validate, resolve references, build the service, register the
// resource's own capabilities, then start the service and wait for it. Removal runs in
// the opposite order: capabilities are unregistered before the service stops.
package composer

import (
	"context"
	"errors"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/capability"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/livestate"
	"github.com/anvil-platform/anvil-mgmt/internal/resolver"
	"github.com/anvil-platform/anvil-mgmt/internal/resource"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

// Prepared is a validated model together with its resolved references. Preparing
// mutates nothing.
type Prepared struct {
	Model *schema.Model
	Plan  resolver.Plan
}

type Composer struct {
	registry  *capability.Registry
	container *service.Container
	resolver  resolver.Resolver

	onStoreError livestate.ErrorObserver
}

type Option func(*Composer)

// WithResolver replaces the registry-backed default resolver.
func WithResolver(r resolver.Resolver) Option {
	return func(c *Composer) { c.resolver = r }
}

// WithStoreErrorObserver is passed to every live-state provider the composer attaches.
func WithStoreErrorObserver(fn livestate.ErrorObserver) Option {
	return func(c *Composer) { c.onStoreError = fn }
}

func New(registry *capability.Registry, container *service.Container, opts ...Option) *Composer {
	c := &Composer{
		registry:  registry,
		container: container,
		resolver:  resolver.NewDefault(registry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Composer) Registry() *capability.Registry {
	return c.registry
}

func (c *Composer) Container() *service.Container {
	return c.container
}

// Prepare normalizes and validates model for def and resolves its capability
// references.
func (c *Composer) Prepare(ctx context.Context, addr mgmtv1alpha1.Address, def *resource.Definition, model *schema.Model) (Prepared, error) {
	model = def.Schema.Normalize(model)
	if err := def.Schema.Validate(model); err != nil {
		return Prepared{}, fmt.Errorf("%s: %w", addr, err)
	}
	key := ""
	if el, ok := addr.Last(); ok {
		key = el.Key
	}
	plan, err := c.resolver.Resolve(ctx, resolver.Input{
		Address: addr,
		Schema:  def.Schema,
		Model:   model,
		Own:     def.CapabilityNames(key),
	})
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{Model: model, Plan: plan}, nil
}

// AttachProviders gives node a live-state provider for each dynamic child type of its
// definition. Providers stay unbound until the node's service is installed.
func (c *Composer) AttachProviders(node *resource.Node) {
	def := node.Definition()
	if def == nil {
		return
	}
	for _, t := range def.DynamicChildren {
		if _, ok := node.Provider(t); !ok {
			node.AttachProvider(t, livestate.NewProvider(t, c.onStoreError))
		}
	}
}

// ServiceName is the name a node's service is installed under: its first capability,
// or its address when it registers none. It is stable across restarts.
func ServiceName(node *resource.Node) string {
	if caps := node.Capabilities(); len(caps) > 0 {
		return caps[0]
	}
	return "resource:" + node.Address().String()
}

// Install builds and starts node's service for p and registers node's capabilities.
// On failure nothing stays registered or installed.
func (c *Composer) Install(ctx context.Context, node *resource.Node, p Prepared) error {
	def := node.Definition()
	if def == nil || def.NewService == nil {
		return nil
	}
	logger := log.FromContext(ctx).WithValues("address", node.Address().String())

	id := service.NewIdentity(ServiceName(node))
	svc, err := c.buildService(node, p)
	if err != nil {
		return err
	}

	caps := node.Capabilities()
	requires := p.Plan.Requires()
	for i, name := range caps {
		if err := c.registry.Register(name, id, requires...); err != nil {
			c.unregister(ctx, caps[:i])
			return fmt.Errorf("%s: %w", node.Address(), err)
		}
	}

	ctrl, err := c.container.Install(ctx, id, svc, p.Plan.Identities()...)
	if err != nil {
		c.unregister(ctx, caps)
		logger.Info("service install failed, capabilities unregistered", "error", err.Error())
		return fmt.Errorf("%s: %w", node.Address(), err)
	}
	c.bind(node, ctrl)
	logger.V(1).Info("resource services installed", "service", id.String(), "capabilities", caps)
	return nil
}

// Uninstall unregisters node's capabilities and stops its service. It fails with
// ErrDependentStillRegistered, changing nothing, while another resource still
// references one of the capabilities. A node whose service is already gone (degraded)
// only has its registrations cleaned up.
func (c *Composer) Uninstall(ctx context.Context, node *resource.Node) error {
	def := node.Definition()
	if def == nil || def.NewService == nil {
		return nil
	}
	caps := node.Capabilities()
	for _, name := range caps {
		if deps := c.registry.Dependents(name); len(deps) > 0 {
			return fmt.Errorf("%w: %s is required by %v", errdefs.ErrDependentStillRegistered, name, deps)
		}
	}

	var removed []capability.Registration
	for _, name := range caps {
		reg, ok := c.registry.Get(name)
		if !ok {
			continue
		}
		if err := c.registry.Unregister(name); err != nil {
			c.reregister(ctx, removed)
			return fmt.Errorf("%s: %w", node.Address(), err)
		}
		removed = append(removed, reg)
	}

	c.unbind(node)
	err := c.container.Remove(ctx, ServiceName(node))
	if errors.Is(err, errdefs.ErrDependentStillRegistered) {
		c.reregister(ctx, removed)
		c.bind(node, node.Controller())
		return fmt.Errorf("%s: %w", node.Address(), err)
	}
	node.SetController(nil)
	if err := service.IgnoreNoSuchService(err); err != nil {
		return fmt.Errorf("%s: %w", node.Address(), err)
	}
	return nil
}

// Teardown stops node's service for a restart. Registrations and the dependency edges of
// other services stay in place so Rebuild can swap in a new instance under the same name.
func (c *Composer) Teardown(ctx context.Context, node *resource.Node) error {
	c.unbind(node)
	err := c.container.Evict(ctx, ServiceName(node))
	return service.IgnoreNoSuchService(err)
}

// Rebuild installs a new instance of node's service for p after Teardown and points
// node's capabilities at it.
func (c *Composer) Rebuild(ctx context.Context, node *resource.Node, p Prepared) error {
	def := node.Definition()
	if def == nil || def.NewService == nil {
		return nil
	}
	id := service.NewIdentity(ServiceName(node))
	svc, err := c.buildService(node, p)
	if err != nil {
		return err
	}
	ctrl, err := c.container.Install(ctx, id, svc, p.Plan.Identities()...)
	if err != nil {
		return fmt.Errorf("%s: %w", node.Address(), err)
	}

	requires := p.Plan.Requires()
	for _, name := range node.Capabilities() {
		if _, ok := c.registry.Get(name); ok {
			err = c.registry.Replace(name, id, requires...)
		} else {
			err = c.registry.Register(name, id, requires...)
		}
		if err != nil {
			_ = c.container.Evict(ctx, id.Name)
			return fmt.Errorf("%s: %w", node.Address(), err)
		}
	}
	c.bind(node, ctrl)
	return nil
}

func (c *Composer) buildService(node *resource.Node, p Prepared) (service.Service, error) {
	deps := make(map[string][]*service.Controller)
	for _, ref := range p.Plan.References {
		ctrl, ok := c.container.Get(ref.Identity.Name)
		if !ok || ctrl.Identity() != ref.Identity {
			return nil, fmt.Errorf("%w: %s: dependency %s is not running", errdefs.ErrServiceInstallFailed, node.Address(), ref.Capability)
		}
		deps[ref.Attribute] = append(deps[ref.Attribute], ctrl)
	}
	def := node.Definition()
	svc, err := def.NewService(resource.ServiceContext{
		Address:      node.Address(),
		Model:        p.Model.Clone(),
		Schema:       def.Schema,
		Dependencies: deps,
		Services:     c.container,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrServiceInstallFailed, node.Address(), err)
	}
	return svc, nil
}

func (c *Composer) unregister(ctx context.Context, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		if err := c.registry.Unregister(names[i]); err != nil {
			log.FromContext(ctx).Error(err, "compensating unregister failed", "capability", names[i])
		}
	}
}

func (c *Composer) reregister(ctx context.Context, regs []capability.Registration) {
	for _, reg := range regs {
		if err := c.registry.Register(reg.Name, reg.Identity, reg.Requires...); err != nil {
			log.FromContext(ctx).Error(err, "compensating register failed", "capability", reg.Name)
		}
	}
}

func (c *Composer) bind(node *resource.Node, ctrl *service.Controller) {
	node.SetController(ctrl)
	for _, t := range node.Definition().DynamicChildren {
		if p, ok := node.Provider(t); ok {
			if lp, ok := p.(*livestate.Provider); ok {
				lp.Bind(ctrl)
			}
		}
	}
}

func (c *Composer) unbind(node *resource.Node) {
	if node.Definition() == nil {
		return
	}
	for _, t := range node.Definition().DynamicChildren {
		if p, ok := node.Provider(t); ok {
			if lp, ok := p.(*livestate.Provider); ok {
				lp.Unbind()
			}
		}
	}
}
