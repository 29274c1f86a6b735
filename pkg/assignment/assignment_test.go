package assignment

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/checkpoint"
	"github.com/cuemby/keeper/pkg/config"
	"github.com/cuemby/keeper/pkg/registry"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/types"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Root = "/cc/"
	cfg.Heartbeat = 5 * time.Millisecond
	cfg.Timeout = 50 * time.Millisecond
	cfg.ZSolo = 10 * time.Millisecond
	return cfg
}

func newProtocol(mem *store.MemClient, id string, cfg config.Config) *Protocol {
	cp := checkpoint.New(mem, cfg.Root)
	reg := registry.New(mem, cp, cfg.Root, id, "10.0.0.1", cfg.Heartbeat)
	return New(mem, cp, reg, cfg, id)
}

func registerWorker(t *testing.T, mem *store.MemClient, cfg config.Config, id string) *registry.Registry {
	t.Helper()
	cp := checkpoint.New(mem, cfg.Root)
	reg := registry.New(mem, cp, cfg.Root, id, "10.0.0.1", cfg.Heartbeat)
	if err := reg.Register(context.Background()); err != nil {
		t.Fatalf("registering %s: %v", id, err)
	}
	return reg
}

func TestFairShare(t *testing.T) {
	cases := []struct {
		total, live, want int
	}{
		{7, 0, 7},
		{7, 1, 7},
		{7, 2, 3},
		{6, 7, 0},
	}
	for _, c := range cases {
		if got := FairShare(c.total, c.live); got != c.want {
			t.Errorf("FairShare(%d, %d) = %d, want %d", c.total, c.live, got, c.want)
		}
	}
}

// Bootstrapping a fresh cluster: the first worker should claim every partition.
func TestBootstrapFreshCluster(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cfg := testConfig()

	if err := initCluster(ctx, mem, cfg.Root, 3); err != nil {
		t.Fatal(err)
	}
	registerWorker(t, mem, cfg, "t2")

	p := newProtocol(mem, "t2", cfg)
	owned, err := p.Checkin(ctx, types.Assignment{}, 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(owned) != 3 {
		t.Fatalf("expected all 3 partitions claimed solo, got %+v", owned)
	}
	for _, p := range []int{0, 1, 2} {
		if _, ok := owned[p]; !ok {
			t.Errorf("expected partition %d claimed", p)
		}
	}
}

// A direct transfer from an overloaded peer to a newly joined worker.
func TestDirectTransfer(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cfg := testConfig()

	if err := initCluster(ctx, mem, cfg.Root, 4); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"parts/b", "3,4", store.NoLease); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"0", "1", "2", "3"} {
		_ = mem.Delete(ctx, cfg.Root+"parts/unassigned/"+n)
	}
	registerWorker(t, mem, cfg, "b")
	registerWorker(t, mem, cfg, "t")

	b := newProtocol(mem, "b", cfg)
	tw := newProtocol(mem, "t", cfg)

	bOwned := types.Assignment{3: 0, 4: 0}
	tOwned := types.Assignment{}

	// t issues a direct request to b, then b's own checkin respond phase
	// grants it before t polls for the ack.
	pr, err := tw.RequestDirect(ctx, "b", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RespondDirect(ctx, bOwned); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	tw.pollPending(ctx, tOwned, []*pendingRequest{pr}, deadline)

	if len(tOwned) != 1 {
		t.Fatalf("expected t to have claimed exactly one partition, got %+v", tOwned)
	}
	if len(bOwned) != 1 {
		t.Fatalf("expected b to retain exactly one partition, got %+v", bOwned)
	}
	if _, err := mem.Get(ctx, cfg.Root+"req/b"); err != store.ErrNotFound {
		t.Error("expected req/b to be cleared")
	}
	if _, err := mem.Get(ctx, cfg.Root+"ack/t/b"); err != store.ErrNotFound {
		t.Error("expected ack/t/b to be cleared")
	}
}

// A worker joining an existing cluster claims an unassigned slot via
// group consensus from two live peers.
func TestJoinExistingClusterClaimsUnassignedSlot(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cfg := testConfig()

	if err := mem.Put(ctx, cfg.Root+"parts/total", "7", store.NoLease); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"parts/a", "1,2,5,0", store.NoLease); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"parts/b", "3,4", store.NoLease); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"parts/unassigned/6", "0", store.NoLease); err != nil {
		t.Fatal(err)
	}
	kv, err := mem.Get(ctx, cfg.Root+"parts/unassigned/6")
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"checkpoint/1", "0,0", store.NoLease); err != nil {
		t.Fatal(err)
	}

	registerWorker(t, mem, cfg, "a")
	registerWorker(t, mem, cfg, "b")
	registerWorker(t, mem, cfg, "t")

	a := newProtocol(mem, "a", cfg)
	b := newProtocol(mem, "b", cfg)
	tw := newProtocol(mem, "t", cfg)

	owned := types.Assignment{}
	pr, err := tw.RequestGroupUnassigned(ctx, 6, kv.Revision)
	if err != nil {
		t.Fatal(err)
	}
	if pr == nil {
		t.Fatal("expected a pending group request")
	}

	// Both peers vote during their own respond phase.
	if err := a.RespondGroup(ctx, types.Assignment{1: 0, 2: 0, 5: 0, 0: 0}, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.RespondGroup(ctx, types.Assignment{3: 0, 4: 0}, 0); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	tw.pollPending(ctx, owned, []*pendingRequest{pr}, deadline)

	if _, ok := owned[6]; !ok {
		t.Fatalf("expected t to have claimed partition 6, got %+v", owned)
	}
	if _, err := mem.Get(ctx, cfg.Root+"parts/unassigned/6"); err != store.ErrNotFound {
		t.Error("expected parts/unassigned/6 to be deleted")
	}
}

// Two workers issuing concurrent group requests for the same partition
// resolve by revision: the higher-revision requestor withdraws and Acks the
// lower-revision winner.
func TestGroupRequestTieBreak(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cfg := testConfig()

	if err := mem.Put(ctx, cfg.Root+"parts/total", "7", store.NoLease); err != nil {
		t.Fatal(err)
	}
	registerWorker(t, mem, cfg, "b")
	registerWorker(t, mem, cfg, "t1")
	registerWorker(t, mem, cfg, "t2")

	// t1 requests first (lower revision), t2's request is injected directly
	// with a higher revision to simulate the race without a second
	// requestGroup call colliding with the "abort if one exists" guard.
	t1 := newProtocol(mem, "t1", cfg)
	pr1, err := t1.RequestGroupUnassigned(ctx, 6, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"group-req/6/t2", "20", store.NoLease); err != nil {
		t.Fatal(err)
	}

	t2 := newProtocol(mem, "t2", cfg)
	pr2 := &pendingRequest{group: true, partition: 6, revision: 20}

	b := newProtocol(mem, "b", cfg)
	bOwned := types.Assignment{}
	if err := b.RespondGroup(ctx, bOwned, 0); err != nil {
		t.Fatal(err)
	}

	resolved, err := t2.pollGroup(ctx, types.Assignment{}, pr2)
	if err != nil {
		t.Fatal(err)
	}
	if !resolved {
		t.Fatal("expected t2's request to resolve (by withdrawal)")
	}
	if _, err := mem.Get(ctx, cfg.Root+"group-req/6/t2"); err != store.ErrNotFound {
		t.Error("expected t2 to have withdrawn its group request")
	}

	t1Owned := types.Assignment{}
	deadline := time.Now().Add(cfg.Timeout)
	t1.pollPending(ctx, t1Owned, []*pendingRequest{pr1}, deadline)
	if _, ok := t1Owned[6]; !ok {
		t.Fatalf("expected t1 to win the tie-break and claim partition 6, got %+v", t1Owned)
	}
}

// A partition a live peer still holds, but whose checkpoint has fallen far
// behind the stream, is reclaimed via a group request rather than left
// alone: only a dead peer's registration expiring triggers the other
// reclamation path (registry.ReclaimDead).
func TestExpiredPartitionReclaimedFromLivePeer(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cfg := testConfig()

	if err := mem.Put(ctx, cfg.Root+"parts/total", "4", store.NoLease); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"parts/a", "0,1,2,3", store.NoLease); err != nil {
		t.Fatal(err)
	}

	cp := checkpoint.New(mem, cfg.Root)
	for _, p := range []int{0, 1, 3} {
		if err := cp.Write(ctx, p, 10); err != nil {
			t.Fatal(err)
		}
	}
	if err := cp.Write(ctx, 2, 0); err != nil {
		t.Fatal(err)
	}

	registerWorker(t, mem, cfg, "a")
	registerWorker(t, mem, cfg, "t")

	a := newProtocol(mem, "a", cfg)
	tw := newProtocol(mem, "t", cfg)

	aOwned := types.Assignment{0: 10, 1: 10, 2: 0, 3: 10}
	tOwned := types.Assignment{}

	const latestStreamID = 1005 // partition 2's lag (1005) exceeds NExpired (1000); the rest (995) don't
	pending := tw.issueRequests(ctx, tOwned, 1, latestStreamID)
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending request, got %d", len(pending))
	}
	if pending[0].partition != 2 {
		t.Fatalf("expected a group request for partition 2, got %d", pending[0].partition)
	}

	if err := a.RespondGroup(ctx, aOwned, latestStreamID); err != nil {
		t.Fatal(err)
	}
	if _, stillOwns := aOwned[2]; stillOwns {
		t.Fatal("expected a to release partition 2 after voting OK")
	}

	deadline := time.Now().Add(cfg.Timeout)
	tw.pollPending(ctx, tOwned, pending, deadline)

	if _, ok := tOwned[2]; !ok {
		t.Fatalf("expected t to have claimed partition 2, got %+v", tOwned)
	}
	if !tw.IsStrict(2) {
		t.Error("expected partition 2 to enter strict mode after an expired-path claim")
	}
}

// With strict mode disabled, an expired-path claim behaves like any other:
// no CAS discipline is applied even though the partition was reclaimed from
// a live peer's stale checkpoint.
func TestExpiredPartitionClaimSkipsStrictModeWhenDisabled(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cfg := testConfig()
	cfg.StrictModeEnabled = false

	if err := mem.Put(ctx, cfg.Root+"parts/total", "2", store.NoLease); err != nil {
		t.Fatal(err)
	}
	if err := mem.Put(ctx, cfg.Root+"parts/a", "0,1", store.NoLease); err != nil {
		t.Fatal(err)
	}

	cp := checkpoint.New(mem, cfg.Root)
	if err := cp.Write(ctx, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := cp.Write(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}

	registerWorker(t, mem, cfg, "a")
	registerWorker(t, mem, cfg, "t")

	a := newProtocol(mem, "a", cfg)
	tw := newProtocol(mem, "t", cfg)

	aOwned := types.Assignment{0: 10, 1: 0}
	tOwned := types.Assignment{}

	const latestStreamID = 1005 // partition 1's lag (1005) exceeds NExpired (1000); partition 0's (995) doesn't
	pending := tw.issueRequests(ctx, tOwned, 1, latestStreamID)
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending request, got %d", len(pending))
	}

	if err := a.RespondGroup(ctx, aOwned, latestStreamID); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	tw.pollPending(ctx, tOwned, pending, deadline)

	if _, ok := tOwned[1]; !ok {
		t.Fatalf("expected t to have claimed partition 1, got %+v", tOwned)
	}
	if tw.IsStrict(1) {
		t.Error("expected strict mode to stay disabled per config")
	}
}

func initCluster(ctx context.Context, cli store.Client, root string, total int) error {
	if err := cli.Put(ctx, root+"parts/total", strconv.Itoa(total), store.NoLease); err != nil {
		return err
	}
	for n := 0; n < total; n++ {
		key := root + "parts/unassigned/" + strconv.Itoa(n)
		if err := cli.Put(ctx, key, "0", store.NoLease); err != nil {
			return err
		}
		kv, err := cli.Get(ctx, key)
		if err != nil {
			return err
		}
		if err := cli.Put(ctx, key, strconv.FormatInt(kv.Revision, 10), store.NoLease); err != nil {
			return err
		}
	}
	return nil
}
