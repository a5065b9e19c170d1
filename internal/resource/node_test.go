package resource

import (
	"context"
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/util/sets"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

type staticProvider struct {
	keys []string
}

func (p *staticProvider) HasChild(_ context.Context, key string) bool {
	for _, k := range p.keys {
		if k == key {
			return true
		}
	}
	return false
}

func (p *staticProvider) ChildrenNames(context.Context) sets.Set[string] {
	return sets.New(p.keys...)
}

func testTree(t *testing.T) (*Tree, *Node) {
	t.Helper()
	root := NewRoot()
	sub := root.Register(&Definition{Type: "subsystem"})
	sub.Register(&Definition{
		Type:            "credential-store",
		Schema:          schema.MustNew(schema.AttributeDescriptor{Name: "path", Type: schema.TypeString, Nullable: true}),
		DynamicChildren: []string{"alias"},
	})

	tree := NewTree(root)
	ctx := context.Background()
	subNode := NewNode(mgmtv1alpha1.MustParseAddress("/subsystem=elytron"), sub, nil)
	if err := tree.Insert(ctx, subNode); err != nil {
		t.Fatalf("Insert subsystem: %v", err)
	}
	m := schema.NewModel()
	m.Set("path", "/tmp/cs")
	cs := NewNode(mgmtv1alpha1.MustParseAddress("/subsystem=elytron/credential-store=cs1"), nil, m)
	if err := tree.Insert(ctx, cs); err != nil {
		t.Fatalf("Insert credential-store: %v", err)
	}
	return tree, cs
}

func TestNode_ProviderRedirectsOnlyItsType(t *testing.T) {
	ctx := context.Background()
	_, cs := testTree(t)
	cs.AttachProvider("alias", &staticProvider{keys: []string{"db"}})

	stored := NewNode(cs.Address().Append(mgmtv1alpha1.Element("entry", "e1")), nil, nil)
	if err := cs.AddChild(stored); err != nil {
		t.Fatalf("AddChild: %v", err)
	}

	if !cs.HasChild(ctx, mgmtv1alpha1.Element("alias", "db")) {
		t.Fatalf("expected alias=db from provider")
	}
	if got := cs.ChildrenNames(ctx, "alias"); !got.Equal(sets.New("db")) {
		t.Fatalf("alias names = %v", sets.List(got))
	}
	if got := cs.ChildrenNames(ctx, "entry"); !got.Equal(sets.New("e1")) {
		t.Fatalf("entry names = %v", sets.List(got))
	}

	alias := cs.GetChild(ctx, mgmtv1alpha1.Element("alias", "db"))
	if alias == nil || !alias.IsPlaceholder() {
		t.Fatalf("expected placeholder child")
	}
	if alias.Address().String() != "/subsystem=elytron/credential-store=cs1/alias=db" {
		t.Fatalf("placeholder address = %s", alias.Address())
	}
}

func TestNode_RequireChildIsTheOnlyError(t *testing.T) {
	ctx := context.Background()
	_, cs := testTree(t)
	cs.AttachProvider("alias", &staticProvider{})

	if c := cs.GetChild(ctx, mgmtv1alpha1.Element("alias", "missing")); c != nil {
		t.Fatalf("expected nil child")
	}
	if names := cs.ChildrenNames(ctx, "nothing"); names.Len() != 0 {
		t.Fatalf("expected empty enumeration")
	}
	_, err := cs.RequireChild(ctx, mgmtv1alpha1.Element("alias", "missing"))
	if !errors.Is(err, errdefs.ErrNoSuchResource) {
		t.Fatalf("expected ErrNoSuchResource, got %v", err)
	}
}

func TestNode_CannotStoreUnderLiveType(t *testing.T) {
	_, cs := testTree(t)
	cs.AttachProvider("alias", &staticProvider{})
	err := cs.AddChild(NewNode(cs.Address().Append(mgmtv1alpha1.Element("alias", "x")), nil, nil))
	if !errors.Is(err, errdefs.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
}

func TestNode_ChildTypesReportsLiveTypeOnlyWhenPopulated(t *testing.T) {
	ctx := context.Background()
	_, cs := testTree(t)
	p := &staticProvider{}
	cs.AttachProvider("alias", p)

	if got := cs.ChildTypes(ctx); len(got) != 0 {
		t.Fatalf("expected no child types, got %v", got)
	}
	p.keys = []string{"a"}
	if got := cs.ChildTypes(ctx); len(got) != 1 || got[0] != "alias" {
		t.Fatalf("expected [alias], got %v", got)
	}
}

func TestNode_CloneDeepCopiesModelSharesProvider(t *testing.T) {
	ctx := context.Background()
	_, cs := testTree(t)
	p := &staticProvider{keys: []string{"a"}}
	cs.AttachProvider("alias", p)
	ctrl := &service.Controller{}
	cs.SetController(ctrl)

	clone := cs.Clone()
	m := clone.Model()
	m.Set("path", "/elsewhere")
	clone.SetModel(m)

	if v, _ := cs.Model().Get("path"); v != "/tmp/cs" {
		t.Fatalf("original model changed: %v", v)
	}
	if got, _ := clone.Provider("alias"); got != ChildProvider(p) {
		t.Fatalf("clone must reference the same provider")
	}
	if clone.Controller() != ctrl {
		t.Fatalf("clone must reference the same controller")
	}

	p.keys = []string{"a", "b"}
	if !clone.HasChild(ctx, mgmtv1alpha1.Element("alias", "b")) {
		t.Fatalf("clone should observe live state through the shared provider")
	}
}

func TestSnapshot_ExcludesLiveChildren(t *testing.T) {
	tree, cs := testTree(t)

	other, _ := testTree(t)
	cs.AttachProvider("alias", &staticProvider{keys: []string{"a", "b"}})

	snap := tree.Root().Snapshot(true)
	elytron := snap.Spec.Children["subsystem"][0]
	store := elytron.Spec.Children["credential-store"][0]
	if len(store.Spec.Children) != 0 {
		t.Fatalf("live children leaked into snapshot: %+v", store.Spec.Children)
	}
	if store.Spec.Model["path"] != "/tmp/cs" {
		t.Fatalf("model missing from snapshot: %+v", store.Spec.Model)
	}
	if !Equal(tree.Root(), other.Root()) {
		t.Fatalf("trees differing only in live children must compare equal")
	}

	m := cs.Model()
	m.Set("path", "/changed")
	cs.SetModel(m)
	if Equal(tree.Root(), other.Root()) {
		t.Fatalf("model change must break equality")
	}
}

func TestSnapshot_NonRecursiveOmitsChildren(t *testing.T) {
	tree, _ := testTree(t)
	snap := tree.Root().Snapshot(false)
	if len(snap.Spec.Children) != 0 {
		t.Fatalf("expected no children in non-recursive snapshot")
	}
	if snap.Spec.Address != "/" {
		t.Fatalf("root address = %q", snap.Spec.Address)
	}
}

func TestTree_InsertAndDelete(t *testing.T) {
	ctx := context.Background()
	tree, _ := testTree(t)

	dup := NewNode(mgmtv1alpha1.MustParseAddress("/subsystem=elytron/credential-store=cs1"), nil, nil)
	if err := tree.Insert(ctx, dup); !errors.Is(err, errdefs.ErrDuplicateResource) {
		t.Fatalf("expected ErrDuplicateResource, got %v", err)
	}
	orphan := NewNode(mgmtv1alpha1.MustParseAddress("/subsystem=nope/credential-store=x"), nil, nil)
	if err := tree.Insert(ctx, orphan); !errors.Is(err, errdefs.ErrNoSuchResource) {
		t.Fatalf("expected ErrNoSuchResource, got %v", err)
	}

	var visited []string
	_ = tree.Walk(func(n *Node) error {
		visited = append(visited, n.Address().String())
		return nil
	})
	if len(visited) != 2 || visited[0] != "/subsystem=elytron" {
		t.Fatalf("walk order = %v", visited)
	}

	if _, err := tree.Delete(ctx, mgmtv1alpha1.MustParseAddress("/subsystem=elytron/credential-store=cs1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tree.Get(ctx, mgmtv1alpha1.MustParseAddress("/subsystem=elytron/credential-store=cs1")); !errors.Is(err, errdefs.ErrNoSuchResource) {
		t.Fatalf("expected ErrNoSuchResource after delete, got %v", err)
	}
}

func TestDefinition_Lookup(t *testing.T) {
	tree, _ := testTree(t)
	def, err := tree.DefinitionFor(mgmtv1alpha1.MustParseAddress("/subsystem=x/credential-store=y"))
	if err != nil {
		t.Fatalf("DefinitionFor: %v", err)
	}
	if !def.IsDynamic("alias") {
		t.Fatalf("expected alias to be dynamic")
	}
	if _, err := tree.DefinitionFor(mgmtv1alpha1.MustParseAddress("/bogus=x")); !errors.Is(err, errdefs.ErrNoSuchResource) {
		t.Fatalf("expected ErrNoSuchResource, got %v", err)
	}
}
