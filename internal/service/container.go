package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/graph"
)

// InstallObserver is notified once per install attempt with the time Start took.
type InstallObserver func(id Identity, elapsed time.Duration, err error)

// Option configures a Container.
type Option func(*Container)

// WithStartTimeout bounds how long a single Start may run. Zero means no bound.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Container) {
		if d < 0 {
			d = 0
		}
		c.startTimeout = d
	}
}

// WithInstallObserver registers fn to be called after every install attempt.
func WithInstallObserver(fn InstallObserver) Option {
	return func(c *Container) {
		c.observer = fn
	}
}

// Container owns the running service graph.
//
// Edges are tracked by name: dependents[x] holds the names of installed services that
// were wired to x. Evict keeps the incoming edges of x so a rebuilt instance installed
// under the same name satisfies its existing dependents.
type Container struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	dependents  map[string]sets.Set[string]

	startTimeout time.Duration
	observer     InstallObserver
}

func NewContainer(opts ...Option) *Container {
	c := &Container{
		controllers: make(map[string]*Controller),
		dependents:  make(map[string]sets.Set[string]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Install wires svc to deps under id and starts it, blocking until Start returns or
// ctx is done. Every dependency must be installed with the same instance and be UP.
//
// Start runs detached from ctx cancellation; if the caller stops waiting the instance is
// discarded (and stopped if it came up) once Start returns.
func (c *Container) Install(ctx context.Context, id Identity, svc Service, deps ...Identity) (*Controller, error) {
	if id.Name == "" {
		return nil, fmt.Errorf("%w: empty service name", errdefs.ErrServiceInstallFailed)
	}
	if svc == nil {
		return nil, fmt.Errorf("%w: %s: nil service", errdefs.ErrServiceInstallFailed, id.Name)
	}
	logger := log.FromContext(ctx).WithValues("service", id.Name, "instance", id.Instance.String())

	c.mu.Lock()
	if _, exists := c.controllers[id.Name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: service %q is already installed", errdefs.ErrServiceInstallFailed, id.Name)
	}
	for _, dep := range deps {
		if dep.Name == id.Name {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: service %q depends on itself", errdefs.ErrCyclicDependency, id.Name)
		}
		current, ok := c.controllers[dep.Name]
		if !ok || current.id.Instance != dep.Instance {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s: dependency %s is not installed", errdefs.ErrServiceInstallFailed, id.Name, dep)
		}
		if st := current.State(); st != StateUp {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s: dependency %s is %s", errdefs.ErrServiceInstallFailed, id.Name, dep.Name, st)
		}
	}
	ctrl := newController(id, svc, deps)
	c.controllers[id.Name] = ctrl
	for _, dep := range deps {
		c.addEdgeLocked(dep.Name, id.Name)
	}
	c.mu.Unlock()

	startCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if c.startTimeout > 0 {
		startCtx, cancel = context.WithTimeout(startCtx, c.startTimeout)
	}
	begin := time.Now()
	go func() {
		defer cancel()
		err := svc.Start(startCtx)
		ctrl.startErr = err
		if err != nil {
			ctrl.setState(StateFailed)
		} else {
			ctrl.setState(StateUp)
		}
		close(ctrl.started)
	}()

	select {
	case <-ctrl.started:
	case <-ctx.Done():
		go func() {
			<-ctrl.started
			c.discard(ctrl)
			if ctrl.State() == StateUp {
				_ = c.stop(context.Background(), ctrl)
			}
		}()
		c.observe(id, time.Since(begin), ctx.Err())
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrServiceInstallFailed, id.Name, ctx.Err())
	}

	c.observe(id, time.Since(begin), ctrl.startErr)
	if ctrl.startErr != nil {
		c.discard(ctrl)
		logger.Error(ctrl.startErr, "service failed to start")
		return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrServiceInstallFailed, id.Name, ctrl.startErr)
	}
	logger.V(1).Info("service up")
	return ctrl, nil
}

// Remove stops and uninstalls name. It fails with ErrDependentStillRegistered while any
// service is still wired to it.
//
// Removing a name that is not installed only clears its bookkeeping and returns
// ErrNoSuchService.
func (c *Container) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	if deps := c.dependents[name]; deps.Len() > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: service %q is required by %s", errdefs.ErrDependentStillRegistered, name, strings.Join(sets.List(deps), ", "))
	}
	delete(c.dependents, name)
	ctrl, ok := c.controllers[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", errdefs.ErrNoSuchService, name)
	}
	c.removeLocked(ctrl)
	c.mu.Unlock()

	return c.stop(ctx, ctrl)
}

// Evict stops and uninstalls name regardless of dependents, keeping their edges so a
// replacement can be installed under the same name.
func (c *Container) Evict(ctx context.Context, name string) error {
	c.mu.Lock()
	ctrl, ok := c.controllers[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", errdefs.ErrNoSuchService, name)
	}
	c.removeLocked(ctrl)
	c.mu.Unlock()

	return c.stop(ctx, ctrl)
}

func (c *Container) Get(name string) (*Controller, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl, ok := c.controllers[name]
	return ctrl, ok
}

// Names returns the installed service names in sorted order.
func (c *Container) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.controllers))
	for name := range c.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dependents returns the names wired to name, sorted.
func (c *Container) Dependents(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sets.List(c.dependents[name])
}

// Graph snapshots the installed services and their edges.
func (c *Container) Graph() *graph.DependencyGraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := graph.New()
	for name, ctrl := range c.controllers {
		g.AddNode(name)
		for _, dep := range ctrl.deps {
			g.AddEdge(name, dep.Name)
		}
	}
	return g
}

// Shutdown stops every service, dependents before their dependencies.
func (c *Container) Shutdown(ctx context.Context) error {
	order, err := c.Graph().ReverseTopologicalOrder()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range order {
		if err := c.Evict(ctx, name); err != nil && !isNoSuchService(err) {
			errs = append(errs, err)
		}
	}
	c.mu.Lock()
	c.dependents = make(map[string]sets.Set[string])
	c.mu.Unlock()
	return utilerrors.NewAggregate(errs)
}

func (c *Container) stop(ctx context.Context, ctrl *Controller) error {
	select {
	case <-ctrl.started:
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", ctrl.id.Name, ctx.Err())
	}
	if ctrl.State() != StateUp {
		return nil
	}
	ctrl.setState(StateStopping)
	if err := ctrl.svc.Stop(ctx); err != nil {
		ctrl.setState(StateFailed)
		return fmt.Errorf("stop %s: %w", ctrl.id.Name, err)
	}
	ctrl.setState(StateDown)
	log.FromContext(ctx).V(1).Info("service down", "service", ctrl.id.Name, "instance", ctrl.id.Instance.String())
	return nil
}

// discard drops a controller that never came up, if it is still the installed one.
func (c *Container) discard(ctrl *Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controllers[ctrl.id.Name] == ctrl {
		c.removeLocked(ctrl)
	}
}

func (c *Container) removeLocked(ctrl *Controller) {
	delete(c.controllers, ctrl.id.Name)
	for _, dep := range ctrl.deps {
		if set, ok := c.dependents[dep.Name]; ok {
			set.Delete(ctrl.id.Name)
			if set.Len() == 0 {
				delete(c.dependents, dep.Name)
			}
		}
	}
}

func (c *Container) addEdgeLocked(to, from string) {
	set, ok := c.dependents[to]
	if !ok {
		set = sets.New[string]()
		c.dependents[to] = set
	}
	set.Insert(from)
}

func (c *Container) observe(id Identity, elapsed time.Duration, err error) {
	if c.observer != nil {
		c.observer(id, elapsed, err)
	}
}
