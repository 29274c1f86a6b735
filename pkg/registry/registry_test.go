package registry

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/checkpoint"
	"github.com/cuemby/keeper/pkg/store"
)

func newTestRegistry(mem *store.MemClient, myID string) *Registry {
	cp := checkpoint.New(mem, "/cc/")
	return New(mem, cp, "/cc/", myID, "10.0.0.1", time.Second)
}

func TestRegisterThenListLive(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	r := newTestRegistry(mem, "a")

	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}

	live, err := r.ListLive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].ID != "a" {
		t.Fatalf("expected one live worker 'a', got %+v", live)
	}
}

func TestListLiveExcludesExpiredDeadline(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	now := time.Now()
	mem.SetClock(func() time.Time { return now })

	r := newTestRegistry(mem, "a")
	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}

	// Jump the fake clock well past the lease TTL (heartbeat*10 = 10s).
	mem.SetClock(func() time.Time { return now.Add(time.Hour) })

	live, err := r.ListLive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Errorf("expected no live workers after lease expiry, got %+v", live)
	}
}

func TestIsDeadMissingRegistration(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	r := newTestRegistry(mem, "t")

	dead, err := r.IsDead(ctx, "ghost", nil, 0, 1000, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !dead {
		t.Error("a peer with no registration entry should be considered dead")
	}
}

func TestIsDeadLiveRegistrationNoExpiredPartitions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	a := newTestRegistry(mem, "a")
	if err := a.Register(ctx); err != nil {
		t.Fatal(err)
	}

	t1 := newTestRegistry(mem, "t")
	dead, err := t1.IsDead(ctx, "a", nil, 0, 1000, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if dead {
		t.Error("a live peer with no owned partitions should not be considered dead")
	}
}

func TestReclaimDeadUnassignsPartitions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	r := newTestRegistry(mem, "t")

	if err := mem.Put(ctx, "/cc/parts/a", "1,2,5,0", store.NoLease); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, "/cc/workers/a/10.0.0.2", "0", store.NoLease); err != nil {
		t.Fatal(err)
	}

	if err := r.ReclaimDead(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"0", "1", "2", "5"} {
		if _, err := mem.Get(ctx, "/cc/parts/unassigned/"+p); err != nil {
			t.Errorf("expected partition %s to be unassigned: %v", p, err)
		}
	}
	if _, err := mem.Get(ctx, "/cc/parts/a"); err != store.ErrNotFound {
		t.Error("expected dead peer's assignment to be deleted")
	}
	if _, err := mem.Get(ctx, "/cc/workers/a/10.0.0.2"); err != store.ErrNotFound {
		t.Error("expected dead peer's registration to be deleted")
	}
}

func TestReclaimDeadWithNoAssignment(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	r := newTestRegistry(mem, "t")

	if err := mem.Put(ctx, "/cc/workers/a/10.0.0.2", "0", store.NoLease); err != nil {
		t.Fatal(err)
	}

	if err := r.ReclaimDead(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Get(ctx, "/cc/workers/a/10.0.0.2"); err != store.ErrNotFound {
		t.Error("expected dead peer's registration to be deleted even with no assignment")
	}
}

func TestUnregisterDeletesOwnKey(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	r := newTestRegistry(mem, "a")

	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(ctx); err != nil {
		t.Fatal(err)
	}

	live, err := r.ListLive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Errorf("expected no live workers after unregister, got %+v", live)
	}
}
