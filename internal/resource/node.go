// Package resource holds the configuration tree.
//
// A Node stores its model and its stored children. A child type may instead be
// answered by a ChildProvider, which computes children from live state; such children
// are read-only placeholders and never appear in snapshots or equality checks.
package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

// ChildProvider answers child queries for one child type. Implementations must not
// block on service lifecycle and must report "no children" instead of failing.
type ChildProvider interface {
	HasChild(ctx context.Context, key string) bool
	// ChildrenNames returns keys as the backing store reports them.
	ChildrenNames(ctx context.Context) sets.Set[string]
}

// Status is the runtime state shown next to a node's model.
type Status struct {
	Phase      mgmtv1alpha1.ResourcePhase
	Message    string
	Conditions []metav1.Condition
}

// Node is one resource of the tree. Its address never changes.
type Node struct {
	address     mgmtv1alpha1.Address
	def         *Definition
	placeholder bool

	mu        sync.RWMutex
	model     *schema.Model
	children  map[string]map[string]*Node
	providers map[string]ChildProvider
	status    Status

	controller atomic.Pointer[service.Controller]
}

// NewNode creates a stored node. model is copied.
func NewNode(addr mgmtv1alpha1.Address, def *Definition, model *schema.Model) *Node {
	return &Node{
		address:  append(mgmtv1alpha1.Address(nil), addr...),
		def:      def,
		model:    model.Clone(),
		children: make(map[string]map[string]*Node),
		status:   Status{Phase: mgmtv1alpha1.PhaseActive},
	}
}

func newPlaceholder(addr mgmtv1alpha1.Address) *Node {
	n := NewNode(addr, nil, nil)
	n.placeholder = true
	return n
}

func (n *Node) Address() mgmtv1alpha1.Address {
	return append(mgmtv1alpha1.Address(nil), n.address...)
}

// Key is the last path element's key, or "" for the root.
func (n *Node) Key() string {
	if len(n.address) == 0 {
		return ""
	}
	return n.address[len(n.address)-1].Key
}

func (n *Node) Definition() *Definition {
	return n.def
}

// IsPlaceholder reports whether the node stands in for a live-state child.
func (n *Node) IsPlaceholder() bool {
	return n.placeholder
}

// Model returns a copy of the stored model.
func (n *Node) Model() *schema.Model {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.model.Clone()
}

// SetModel replaces the stored model with a copy of m.
func (n *Node) SetModel(m *schema.Model) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.model = m.Clone()
}

// Capabilities returns the full names of the capabilities this node registers.
func (n *Node) Capabilities() []string {
	if n.def == nil {
		return nil
	}
	return n.def.CapabilityNames(n.Key())
}

// Controller returns the controller of the node's current service instance, or nil.
func (n *Node) Controller() *service.Controller {
	return n.controller.Load()
}

func (n *Node) SetController(c *service.Controller) {
	n.controller.Store(c)
}

// AttachProvider redirects queries for childType to p.
func (n *Node) AttachProvider(childType string, p ChildProvider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.providers == nil {
		n.providers = make(map[string]ChildProvider)
	}
	n.providers[childType] = p
}

func (n *Node) Provider(childType string) (ChildProvider, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.providers[childType]
	return p, ok
}

// GetChild returns the child at el, or nil.
func (n *Node) GetChild(ctx context.Context, el mgmtv1alpha1.PathElement) *Node {
	if p, ok := n.Provider(el.Type); ok {
		if p.HasChild(ctx, el.Key) {
			return newPlaceholder(n.address.Append(el))
		}
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.children[el.Type][el.Key]
}

func (n *Node) HasChild(ctx context.Context, el mgmtv1alpha1.PathElement) bool {
	if p, ok := n.Provider(el.Type); ok {
		return p.HasChild(ctx, el.Key)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.children[el.Type][el.Key]
	return ok
}

// ChildrenNames returns the keys of children of childType. It never fails.
func (n *Node) ChildrenNames(ctx context.Context, childType string) sets.Set[string] {
	if p, ok := n.Provider(childType); ok {
		return p.ChildrenNames(ctx)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := sets.New[string]()
	for k := range n.children[childType] {
		out.Insert(k)
	}
	return out
}

// Children returns the children of childType ordered by key.
func (n *Node) Children(ctx context.Context, childType string) []*Node {
	if p, ok := n.Provider(childType); ok {
		keys := sets.List(p.ChildrenNames(ctx))
		out := make([]*Node, 0, len(keys))
		for _, k := range keys {
			out = append(out, newPlaceholder(n.address.Append(mgmtv1alpha1.Element(childType, k))))
		}
		return out
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sortedChildren(n.children[childType])
}

// ChildTypes lists child types that currently have children. A live-state type is only
// listed while its provider reports entries.
func (n *Node) ChildTypes(ctx context.Context) []string {
	n.mu.RLock()
	types := sets.New[string]()
	for t, kids := range n.children {
		if len(kids) > 0 {
			types.Insert(t)
		}
	}
	providers := make(map[string]ChildProvider, len(n.providers))
	for t, p := range n.providers {
		providers[t] = p
	}
	n.mu.RUnlock()

	for t, p := range providers {
		types.Delete(t)
		if p.ChildrenNames(ctx).Len() > 0 {
			types.Insert(t)
		}
	}
	return sets.List(types)
}

// RequireChild is GetChild that fails with ErrNoSuchResource when there is no child.
func (n *Node) RequireChild(ctx context.Context, el mgmtv1alpha1.PathElement) (*Node, error) {
	if c := n.GetChild(ctx, el); c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", errdefs.ErrNoSuchResource, n.address.Append(el))
}

// Navigate follows rel from n.
func (n *Node) Navigate(ctx context.Context, rel mgmtv1alpha1.Address) (*Node, error) {
	cur := n
	for _, el := range rel {
		next, err := cur.RequireChild(ctx, el)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// AddChild stores c under n. Live-state child types cannot be added to.
func (n *Node) AddChild(c *Node) error {
	el, ok := c.address.Last()
	if !ok || !c.address.Parent().Equal(n.address) {
		return fmt.Errorf("%w: %s is not a child address of %s", errdefs.ErrNoSuchResource, c.address, n.address)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dynamic := n.providers[el.Type]; dynamic {
		return fmt.Errorf("%w: %s: children of type %s are computed from live state", errdefs.ErrConstraintViolation, c.address, el.Type)
	}
	kids, ok := n.children[el.Type]
	if !ok {
		kids = make(map[string]*Node)
		n.children[el.Type] = kids
	}
	if _, exists := kids[el.Key]; exists {
		return fmt.Errorf("%w: %s", errdefs.ErrDuplicateResource, c.address)
	}
	kids[el.Key] = c
	return nil
}

// RemoveChild drops the stored child at el and returns it.
func (n *Node) RemoveChild(el mgmtv1alpha1.PathElement) (*Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.children[el.Type][el.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNoSuchResource, n.address.Append(el))
	}
	delete(n.children[el.Type], el.Key)
	if len(n.children[el.Type]) == 0 {
		delete(n.children, el.Type)
	}
	return c, nil
}

// StoredChildren returns every stored child ordered by type then key.
func (n *Node) StoredChildren() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	types := make([]string, 0, len(n.children))
	for t := range n.children {
		types = append(types, t)
	}
	sort.Strings(types)
	var out []*Node
	for _, t := range types {
		out = append(out, sortedChildren(n.children[t])...)
	}
	return out
}

// Clone deep-copies the model and stored subtree. Providers and the service controller
// are shared with the original, not re-resolved.
func (n *Node) Clone() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := &Node{
		address:     n.Address(),
		def:         n.def,
		placeholder: n.placeholder,
		model:       n.model.Clone(),
		children:    make(map[string]map[string]*Node, len(n.children)),
		status:      n.status,
	}
	out.status.Conditions = append([]metav1.Condition(nil), n.status.Conditions...)
	for t, kids := range n.children {
		copied := make(map[string]*Node, len(kids))
		for k, c := range kids {
			copied[k] = c.Clone()
		}
		out.children[t] = copied
	}
	if len(n.providers) > 0 {
		out.providers = make(map[string]ChildProvider, len(n.providers))
		for t, p := range n.providers {
			out.providers[t] = p
		}
	}
	out.controller.Store(n.controller.Load())
	return out
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	s.Conditions = append([]metav1.Condition(nil), n.status.Conditions...)
	return s
}

func (n *Node) Phase() mgmtv1alpha1.ResourcePhase {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status.Phase
}

func (n *Node) SetPhase(phase mgmtv1alpha1.ResourcePhase, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.Phase = phase
	n.status.Message = message
}

// SetCondition sets or updates a status condition; it reports whether anything changed.
func (n *Node) SetCondition(c metav1.Condition) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return meta.SetStatusCondition(&n.status.Conditions, c)
}

func (n *Node) RemoveCondition(conditionType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return meta.RemoveStatusCondition(&n.status.Conditions, conditionType)
}

func sortedChildren(kids map[string]*Node) []*Node {
	keys := make([]string, 0, len(kids))
	for k := range kids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Node, 0, len(keys))
	for _, k := range keys {
		out = append(out, kids[k])
	}
	return out
}
