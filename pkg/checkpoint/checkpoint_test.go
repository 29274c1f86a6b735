package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/store"
)

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cp := New(mem, "/cc/")

	if err := cp.Write(ctx, 3, 42); err != nil {
		t.Fatal(err)
	}

	id, ok, err := cp.Read(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected checkpoint to exist")
	}
	if id != 42 {
		t.Errorf("expected id 42, got %d", id)
	}
}

func TestReadMissingReturnsNotOK(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cp := New(mem, "/cc/")

	_, ok, err := cp.Read(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected ok=false for unwritten partition")
	}
}

func TestExpiredMissingCheckpoint(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cp := New(mem, "/cc/")

	expired, err := cp.Expired(ctx, 1, 100, 1000, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !expired {
		t.Error("a partition with no checkpoint should be considered expired")
	}
}

func TestExpiredByIDLag(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cp := New(mem, "/cc/")

	if err := cp.Write(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}

	expired, err := cp.Expired(ctx, 1, 2000, 1000, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !expired {
		t.Error("expected expiry from id lag exceeding n")
	}
}

func TestNotExpiredWithinBounds(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cp := New(mem, "/cc/")

	if err := cp.Write(ctx, 1, 990); err != nil {
		t.Fatal(err)
	}

	expired, err := cp.Expired(ctx, 1, 1000, 1000, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if expired {
		t.Error("checkpoint within both id and time bounds should not be expired")
	}
}

func TestExpiredByTimeLag(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemClient()
	cp := New(mem, "/cc/")

	// Write directly with an old timestamp to simulate a stale checkpoint
	// without sleeping.
	old := time.Now().Add(-time.Hour).Unix()
	key := "/cc/checkpoint/5"
	if err := mem.Put(ctx, key, fmt.Sprintf("%d,%d", 10, old), store.NoLease); err != nil {
		t.Fatal(err)
	}

	expired, err := cp.Expired(ctx, 5, 10, 1000, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !expired {
		t.Error("expected expiry from timestamp age exceeding x")
	}
}
