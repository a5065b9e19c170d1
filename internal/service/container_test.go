package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func tracked(r *recorder, name string) Service {
	return Func{
		StartFunc: func(context.Context) error { r.add("start " + name); return nil },
		StopFunc:  func(context.Context) error { r.add("stop " + name); return nil },
	}
}

func TestContainer_InstallStartsService(t *testing.T) {
	c := NewContainer()
	rec := &recorder{}

	ctrl, err := c.Install(context.Background(), NewIdentity("a"), tracked(rec, "a"))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if ctrl.State() != StateUp {
		t.Fatalf("expected UP, got %s", ctrl.State())
	}
	if got, ok := c.Get("a"); !ok || got != ctrl {
		t.Fatalf("expected controller to be retrievable")
	}
	if ev := rec.list(); len(ev) != 1 || ev[0] != "start a" {
		t.Fatalf("unexpected events: %v", ev)
	}
}

func TestContainer_InstallDuplicateNameFails(t *testing.T) {
	c := NewContainer()
	if _, err := c.Install(context.Background(), NewIdentity("a"), Func{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	_, err := c.Install(context.Background(), NewIdentity("a"), Func{})
	if !errors.Is(err, errdefs.ErrServiceInstallFailed) {
		t.Fatalf("expected ErrServiceInstallFailed, got %v", err)
	}
}

func TestContainer_InstallRequiresLiveDependency(t *testing.T) {
	c := NewContainer()
	dep, err := c.Install(context.Background(), NewIdentity("dep"), Func{})
	if err != nil {
		t.Fatalf("Install dep: %v", err)
	}

	stale := NewIdentity("dep")
	if _, err := c.Install(context.Background(), NewIdentity("x"), Func{}, stale); !errors.Is(err, errdefs.ErrServiceInstallFailed) {
		t.Fatalf("expected failure for stale instance, got %v", err)
	}
	if _, err := c.Install(context.Background(), NewIdentity("x"), Func{}, dep.Identity()); err != nil {
		t.Fatalf("Install x: %v", err)
	}
	if got := c.Dependents("dep"); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected dep to have dependent x, got %v", got)
	}
}

func TestContainer_FailedStartLeavesNothingInstalled(t *testing.T) {
	c := NewContainer()
	dep, _ := c.Install(context.Background(), NewIdentity("dep"), Func{})
	boom := errors.New("boom")

	_, err := c.Install(context.Background(), NewIdentity("x"), Func{
		StartFunc: func(context.Context) error { return boom },
	}, dep.Identity())
	if !errors.Is(err, errdefs.ErrServiceInstallFailed) {
		t.Fatalf("expected ErrServiceInstallFailed, got %v", err)
	}
	if _, ok := c.Get("x"); ok {
		t.Fatalf("failed service must not stay installed")
	}
	if got := c.Dependents("dep"); len(got) != 0 {
		t.Fatalf("failed service must not leave edges, got %v", got)
	}
}

func TestContainer_RemoveWithDependentsFails(t *testing.T) {
	c := NewContainer()
	dep, _ := c.Install(context.Background(), NewIdentity("dep"), Func{})
	if _, err := c.Install(context.Background(), NewIdentity("x"), Func{}, dep.Identity()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	err := c.Remove(context.Background(), "dep")
	if !errors.Is(err, errdefs.ErrDependentStillRegistered) {
		t.Fatalf("expected ErrDependentStillRegistered, got %v", err)
	}
	if err := c.Remove(context.Background(), "x"); err != nil {
		t.Fatalf("Remove x: %v", err)
	}
	if err := c.Remove(context.Background(), "dep"); err != nil {
		t.Fatalf("Remove dep: %v", err)
	}
	if err := c.Remove(context.Background(), "dep"); !errors.Is(err, errdefs.ErrNoSuchService) {
		t.Fatalf("expected ErrNoSuchService, got %v", err)
	}
}

func TestContainer_EvictKeepsDependentEdges(t *testing.T) {
	c := NewContainer()
	rec := &recorder{}
	dep, _ := c.Install(context.Background(), NewIdentity("dep"), tracked(rec, "dep"))
	if _, err := c.Install(context.Background(), NewIdentity("x"), Func{}, dep.Identity()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := c.Evict(context.Background(), "dep"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if dep.State() != StateDown {
		t.Fatalf("expected evicted instance DOWN, got %s", dep.State())
	}

	next, err := c.Install(context.Background(), NewIdentity("dep"), tracked(rec, "dep"))
	if err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if next.Identity().Instance == dep.Identity().Instance {
		t.Fatalf("expected a fresh instance")
	}
	if got := c.Dependents("dep"); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected dependents to survive eviction, got %v", got)
	}
	want := []string{"start dep", "stop dep", "start dep"}
	if ev := rec.list(); len(ev) != len(want) {
		t.Fatalf("unexpected events: %v", ev)
	}
}

func TestContainer_InstallWaitsForAsyncStart(t *testing.T) {
	c := NewContainer()
	release := make(chan struct{})
	done := make(chan *Controller)
	go func() {
		ctrl, _ := c.Install(context.Background(), NewIdentity("slow"), Func{
			StartFunc: func(context.Context) error { <-release; return nil },
		})
		done <- ctrl
	}()

	select {
	case <-done:
		t.Fatalf("Install returned before Start completed")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	ctrl := <-done
	if ctrl == nil || ctrl.State() != StateUp {
		t.Fatalf("expected UP controller")
	}
}

func TestContainer_CallerCancelDiscardsInstance(t *testing.T) {
	c := NewContainer()
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Install(ctx, NewIdentity("slow"), Func{
		StartFunc: func(context.Context) error { <-release; return nil },
	})
	if !errors.Is(err, errdefs.ErrServiceInstallFailed) {
		t.Fatalf("expected ErrServiceInstallFailed, got %v", err)
	}
	close(release)

	err = wait.PollUntilContextTimeout(context.Background(), 5*time.Millisecond, time.Second, true,
		func(context.Context) (bool, error) {
			_, ok := c.Get("slow")
			return !ok, nil
		})
	if err != nil {
		t.Fatalf("abandoned instance was not discarded: %v", err)
	}
}

func TestContainer_StartTimeout(t *testing.T) {
	c := NewContainer(WithStartTimeout(10 * time.Millisecond))
	_, err := c.Install(context.Background(), NewIdentity("slow"), Func{
		StartFunc: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	})
	if !errors.Is(err, errdefs.ErrServiceInstallFailed) {
		t.Fatalf("expected ErrServiceInstallFailed, got %v", err)
	}
}

func TestContainer_ShutdownStopsDependentsFirst(t *testing.T) {
	c := NewContainer()
	rec := &recorder{}
	a, _ := c.Install(context.Background(), NewIdentity("a"), tracked(rec, "a"))
	b, _ := c.Install(context.Background(), NewIdentity("b"), tracked(rec, "b"), a.Identity())
	if _, err := c.Install(context.Background(), NewIdentity("c"), tracked(rec, "c"), b.Identity()); err != nil {
		t.Fatalf("Install c: %v", err)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	ev := rec.list()
	want := []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}
	if len(ev) != len(want) {
		t.Fatalf("events=%v want %v", ev, want)
	}
	for i := range want {
		if ev[i] != want[i] {
			t.Fatalf("events=%v want %v", ev, want)
		}
	}
	if n := len(c.Names()); n != 0 {
		t.Fatalf("expected empty container, got %d", n)
	}
}

func TestContainer_InstallObserver(t *testing.T) {
	var seen []string
	c := NewContainer(WithInstallObserver(func(id Identity, _ time.Duration, err error) {
		seen = append(seen, id.Name)
	}))
	_, _ = c.Install(context.Background(), NewIdentity("a"), Func{})
	if len(seen) != 1 || seen[0] != "a" {
		t.Fatalf("observer saw %v", seen)
	}
}
