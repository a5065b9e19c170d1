package restart

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/meta"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
	"github.com/anvil-platform/anvil-mgmt/internal/capability"
	"github.com/anvil-platform/anvil-mgmt/internal/composer"
	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
	"github.com/anvil-platform/anvil-mgmt/internal/resource"
	"github.com/anvil-platform/anvil-mgmt/internal/schema"
	"github.com/anvil-platform/anvil-mgmt/internal/service"
)

type harness struct {
	coord      *Coordinator
	composer   *composer.Composer
	registry   *capability.Registry
	failStarts atomic.Int32
	starts     atomic.Int32
	def        *resource.Definition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{registry: capability.New()}
	h.composer = composer.New(h.registry, service.NewContainer())
	h.coord = New(h.composer)
	h.def = &resource.Definition{
		Type: "store",
		Schema: schema.MustNew(
			schema.AttributeDescriptor{Name: "description", Type: schema.TypeString, Nullable: true},
			schema.AttributeDescriptor{Name: "path", Type: schema.TypeString, Nullable: true, Restart: schema.RestartResourceServices},
			schema.AttributeDescriptor{Name: "realm", Type: schema.TypeString, Nullable: true, Restart: schema.RestartAllServices},
			schema.AttributeDescriptor{Name: "server-name", Type: schema.TypeString, Nullable: true, Requires: []string{"realm"}},
		),
		Capabilities: []capability.Descriptor{capability.Dynamic("store")},
		NewService: func(resource.ServiceContext) (service.Service, error) {
			return service.Func{StartFunc: func(context.Context) error {
				h.starts.Add(1)
				if h.failStarts.Load() > 0 {
					h.failStarts.Add(-1)
					return errors.New("disk unavailable")
				}
				return nil
			}}, nil
		},
	}
	resource.NewRoot().Register(h.def)
	return h
}

func (h *harness) install(t *testing.T, key string, kv ...interface{}) *resource.Node {
	t.Helper()
	ctx := context.Background()
	addr := mgmtv1alpha1.Address{mgmtv1alpha1.Element("store", key)}
	m := schema.NewModel()
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i].(string), kv[i+1])
	}
	p, err := h.composer.Prepare(ctx, addr, h.def, m)
	require.NoError(t, err)
	node := resource.NewNode(addr, h.def, p.Model)
	require.NoError(t, h.composer.Install(ctx, node, p))
	return node
}

func TestWriteAttribute_NoneCommitsWithoutRestart(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1")
	before := node.Controller().Identity()

	out, err := h.coord.WriteAttribute(context.Background(), node, "description", "hello")
	require.NoError(t, err)
	assert.Equal(t, schema.RestartNone, out.Level)
	assert.Equal(t, []State{StateReceived, StateValidated, StateCommitted}, out.Transitions)
	assert.Equal(t, before, node.Controller().Identity())
	v, _ := node.Model().Get("description")
	assert.Equal(t, "hello", v)
}

func TestWriteAttribute_ResourceServicesRestartsWithNewIdentity(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1", "path", "/a")
	before, err := h.registry.Resolve("store.s1")
	require.NoError(t, err)

	out, err := h.coord.WriteAttribute(context.Background(), node, "path", "/b")
	require.NoError(t, err)
	assert.Equal(t, schema.RestartResourceServices, out.Level)
	assert.Equal(t, []State{StateReceived, StateValidated, StateTeardownResource, StateRebuildResource, StateCommitted}, out.Transitions)

	after, err := h.registry.Resolve("store.s1")
	require.NoError(t, err)
	assert.Equal(t, before.Name, after.Name)
	assert.NotEqual(t, before.Instance, after.Instance)
	assert.Equal(t, service.StateUp, node.Controller().State())
}

func TestWriteAttribute_IdenticalSecondWriteIsNone(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1", "path", "/a")

	out, err := h.coord.WriteAttribute(context.Background(), node, "path", "/b")
	require.NoError(t, err)
	assert.Equal(t, schema.RestartResourceServices, out.Level)

	starts := h.starts.Load()
	out, err = h.coord.WriteAttribute(context.Background(), node, "path", "/b")
	require.NoError(t, err)
	assert.Equal(t, schema.RestartNone, out.Level)
	assert.Equal(t, starts, h.starts.Load(), "no-op write must not restart")
}

func TestWriteAttribute_AllServicesOnlyFlags(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1")
	before := node.Controller().Identity()

	out, err := h.coord.WriteAttribute(context.Background(), node, "realm", "ApplicationRealm")
	require.NoError(t, err)
	assert.Equal(t, schema.RestartAllServices, out.Level)
	assert.True(t, out.ReloadRequired)
	assert.Contains(t, out.Transitions, StateFlagRestartRequired)
	assert.True(t, h.coord.ReloadRequired())
	assert.Equal(t, before, node.Controller().Identity(), "ALL_SERVICES must not tear down")
	assert.Equal(t, mgmtv1alpha1.PhaseReloadRequired, node.Phase())
	assert.True(t, meta.IsStatusConditionTrue(node.Status().Conditions, mgmtv1alpha1.ConditionReloadRequired))

	v, _ := node.Model().Get("realm")
	assert.Equal(t, "ApplicationRealm", v)
}

func TestWriteAttribute_ValidationFailureMutatesNothing(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1", "path", "/a")
	before := node.Controller().Identity()
	starts := h.starts.Load()

	_, err := h.coord.WriteAttribute(context.Background(), node, "server-name", "host")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConstraintViolation))
	assert.Contains(t, err.Error(), "server-name requires realm")

	_, err = h.coord.WriteAttribute(context.Background(), node, "bogus", "x")
	assert.True(t, errors.Is(err, errdefs.ErrConstraintViolation))

	assert.Equal(t, before, node.Controller().Identity())
	assert.Equal(t, starts, h.starts.Load())
	assert.False(t, node.Model().Defined("server-name"))
}

func TestWriteAttribute_FailedRebuildRollsBack(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1", "path", "/a")
	h.failStarts.Store(1)

	out, err := h.coord.WriteAttribute(context.Background(), node, "path", "/b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrServiceInstallFailed))
	assert.False(t, errors.Is(err, errdefs.ErrDegraded))
	assert.Contains(t, out.Transitions, StateRollback)

	v, _ := node.Model().Get("path")
	assert.Equal(t, "/a", v, "previous model must be kept")
	assert.Equal(t, mgmtv1alpha1.PhaseActive, node.Phase())
	assert.Equal(t, service.StateUp, node.Controller().State())
	_, err = h.registry.Resolve("store.s1")
	assert.NoError(t, err)
}

func TestWriteAttribute_FailedRollbackDegrades(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1", "path", "/a")
	h.failStarts.Store(2)

	out, err := h.coord.WriteAttribute(context.Background(), node, "path", "/b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrDegraded))
	var derr *DegradedError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "/store=s1", derr.Address)
	assert.Equal(t, StateDegraded, out.Transitions[len(out.Transitions)-1])

	assert.Equal(t, mgmtv1alpha1.PhaseDegraded, node.Phase())
	v, _ := node.Model().Get("path")
	assert.Equal(t, "/a", v, "degraded resource shows the last known good model")

	_, err = h.coord.WriteAttribute(context.Background(), node, "description", "x")
	assert.True(t, errors.Is(err, errdefs.ErrDegraded), "writes to degraded resources are rejected")
}

func TestWriteAttribute_CancelledContextStillCompletesRestart(t *testing.T) {
	h := newHarness(t)
	node := h.install(t, "s1", "path", "/a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.coord.WriteAttribute(ctx, node, "path", "/b")
	require.NoError(t, err)
	assert.Equal(t, service.StateUp, node.Controller().State())
}

func TestWriteAttribute_NoServiceJustCommits(t *testing.T) {
	h := newHarness(t)
	addr := mgmtv1alpha1.Address{mgmtv1alpha1.Element("store", "pending")}
	node := resource.NewNode(addr, h.def, nil)

	out, err := h.coord.WriteAttribute(context.Background(), node, "path", "/x")
	require.NoError(t, err)
	assert.Equal(t, schema.RestartResourceServices, out.Level)
	assert.NotContains(t, out.Transitions, StateTeardownResource)
}
