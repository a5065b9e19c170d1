package resource

import (
	"context"
	"fmt"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

// Tree owns the root node and the definitions that type its addresses.
type Tree struct {
	root *Node
	defs *Definition
}

// NewTree creates an empty tree typed by the root definition defs.
func NewTree(defs *Definition) *Tree {
	return &Tree{
		root: NewNode(mgmtv1alpha1.Address{}, defs, nil),
		defs: defs,
	}
}

func (t *Tree) Root() *Node {
	return t.root
}

func (t *Tree) Definitions() *Definition {
	return t.defs
}

// Get navigates to addr. Addresses under live-state child types yield placeholders.
func (t *Tree) Get(ctx context.Context, addr mgmtv1alpha1.Address) (*Node, error) {
	return t.root.Navigate(ctx, addr)
}

// DefinitionFor returns the definition typing addr.
func (t *Tree) DefinitionFor(addr mgmtv1alpha1.Address) (*Definition, error) {
	def, ok := t.defs.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: no resource type registered for %s", errdefs.ErrNoSuchResource, addr)
	}
	return def, nil
}

// Insert stores n under its parent, which must be a stored node.
func (t *Tree) Insert(ctx context.Context, n *Node) error {
	parent, err := t.Get(ctx, n.address.Parent())
	if err != nil {
		return err
	}
	if parent.IsPlaceholder() {
		return fmt.Errorf("%w: %s is computed from live state", errdefs.ErrConstraintViolation, parent.address)
	}
	return parent.AddChild(n)
}

// Delete removes the stored node at addr and its stored subtree.
func (t *Tree) Delete(ctx context.Context, addr mgmtv1alpha1.Address) (*Node, error) {
	el, ok := addr.Last()
	if !ok {
		return nil, fmt.Errorf("%w: the root cannot be removed", errdefs.ErrConstraintViolation)
	}
	parent, err := t.Get(ctx, addr.Parent())
	if err != nil {
		return nil, err
	}
	return parent.RemoveChild(el)
}

// Walk visits every stored node depth-first, parents before children, siblings in key
// order. The root is not visited.
func (t *Tree) Walk(fn func(*Node) error) error {
	var visit func(*Node) error
	visit = func(n *Node) error {
		for _, c := range n.StoredChildren() {
			if err := fn(c); err != nil {
				return err
			}
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(t.root)
}
