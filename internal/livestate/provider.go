// Package livestate exposes entries of a running store service as resource children.
package livestate

import (
	"context"
	"strings"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

// Store is implemented by services whose entries are shown as children.
type Store interface {
	// Initialized reports whether the store's backing data has been loaded or created.
	Initialized() bool
	Aliases(ctx context.Context) ([]string, error)
}

// ErrorObserver is told about store query failures that were swallowed.
type ErrorObserver func(childType string, err error)

// Provider answers child queries for one child type from the live state of a bound
// service. It never owns the service and never reports an error: a missing, not-UP or
// uninitialized store, or a failed query, all read as "no children".
type Provider struct {
	childType string
	ctrl      atomic.Pointer[service.Controller]
	onError   ErrorObserver
}

func NewProvider(childType string, onError ErrorObserver) *Provider {
	return &Provider{childType: childType, onError: onError}
}

// Bind points the provider at ctrl. Passing nil is equivalent to Unbind.
func (p *Provider) Bind(ctrl *service.Controller) {
	p.ctrl.Store(ctrl)
}

func (p *Provider) Unbind() {
	p.ctrl.Store(nil)
}

// Bound returns the currently bound controller, if any.
func (p *Provider) Bound() *service.Controller {
	return p.ctrl.Load()
}

func (p *Provider) HasChild(ctx context.Context, key string) bool {
	want := strings.ToLower(key)
	for _, alias := range p.aliases(ctx) {
		if strings.ToLower(alias) == want {
			return true
		}
	}
	return false
}

// ChildrenNames returns the store's keys verbatim.
func (p *Provider) ChildrenNames(ctx context.Context) sets.Set[string] {
	return sets.New(p.aliases(ctx)...)
}

func (p *Provider) aliases(ctx context.Context) []string {
	ctrl := p.ctrl.Load()
	if ctrl == nil || ctrl.State() != service.StateUp {
		return nil
	}
	store, ok := ctrl.Service().(Store)
	if !ok || !store.Initialized() {
		return nil
	}
	aliases, err := store.Aliases(ctx)
	if err != nil {
		log.FromContext(ctx).Error(err, "live store query failed, reporting no children",
			"childType", p.childType, "service", ctrl.Identity().Name)
		if p.onError != nil {
			p.onError(p.childType, err)
		}
		return nil
	}
	return aliases
}
