// Package registry implements worker registration, liveness detection, and
// dead-peer cleanup.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/checkpoint"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/store"
)

var registryLog = log.WithComponent("registry")

// Worker is one entry observed from a ranged read of the workers/ prefix.
type Worker struct {
	ID       string
	IP       string
	Deadline time.Time
}

// Registry tracks this worker's own registration and observes peers.
type Registry struct {
	cli       store.Client
	cp        *checkpoint.Store
	root      string
	heartbeat time.Duration
	myID      string
	myIP      string
	leaseID   store.LeaseID
}

// New returns a Registry for myID/myIP, rooted at root.
func New(cli store.Client, cp *checkpoint.Store, root, myID, myIP string, heartbeat time.Duration) *Registry {
	return &Registry{cli: cli, cp: cp, root: root, heartbeat: heartbeat, myID: myID, myIP: myIP}
}

func (r *Registry) keyPrefix() string {
	return fmt.Sprintf("%sworkers/", r.root)
}

func (r *Registry) myKey() string {
	return fmt.Sprintf("%sworkers/%s/%s", r.root, r.myID, r.myIP)
}

// Register writes this worker's registration with a fresh lease of
// HEARTBEAT×10 TTL. Call it at startup and again
// every HEARTBEAT seconds (Refresh is an alias for the same operation).
func (r *Registry) Register(ctx context.Context) error {
	ttl := r.heartbeat * 10
	lid, err := r.cli.GrantLease(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting registration lease: %w", err)
	}
	deadline := time.Now().Add(ttl).Unix()
	if err := r.cli.Put(ctx, r.myKey(), strconv.FormatInt(deadline, 10), lid); err != nil {
		return fmt.Errorf("writing registration: %w", err)
	}
	r.leaseID = lid
	registryLog.Debug().Str("worker_id", r.myID).Int64("deadline", deadline).Msg("registered")
	return nil
}

// Refresh re-registers on the HEARTBEAT cadence; identical to Register.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.Register(ctx)
}

// Unregister deletes this worker's own registration key, for graceful
// shutdown.
func (r *Registry) Unregister(ctx context.Context) error {
	return r.cli.Delete(ctx, r.myKey())
}

// ListLive returns every worker with a current, unexpired registration.
func (r *Registry) ListLive(ctx context.Context) ([]Worker, error) {
	kvs, err := r.cli.Range(ctx, r.keyPrefix())
	if err != nil {
		return nil, fmt.Errorf("ranging workers: %w", err)
	}

	now := time.Now()
	out := make([]Worker, 0, len(kvs))
	for _, kv := range kvs {
		id, ip, ok := splitWorkerKey(kv.Key, r.root)
		if !ok {
			continue
		}
		deadlineSec, err := strconv.ParseInt(kv.Value, 10, 64)
		if err != nil {
			registryLog.Warn().Str("key", kv.Key).Msg("malformed worker deadline, skipping")
			continue
		}
		deadline := time.Unix(deadlineSec, 0)
		if deadline.Before(now) {
			continue
		}
		out = append(out, Worker{ID: id, IP: ip, Deadline: deadline})
	}

	metrics.WorkersLive.Set(float64(len(out)))
	return out, nil
}

func splitWorkerKey(key, root string) (id, ip string, ok bool) {
	prefix := root + "workers/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsDead reports whether peerID should be considered dead: missing
// registration, expired deadline, or an expired partition among its own
// assignment. latestStreamID, n and x are used for the expired-
// partition check against ownedPartitions.
func (r *Registry) IsDead(ctx context.Context, peerID string, ownedPartitions []int, latestStreamID int64, n int64, x time.Duration) (bool, error) {
	kvs, err := r.cli.Range(ctx, r.keyPrefix())
	if err != nil {
		return false, fmt.Errorf("ranging workers: %w", err)
	}

	found := false
	for _, kv := range kvs {
		id, _, ok := splitWorkerKey(kv.Key, r.root)
		if !ok || id != peerID {
			continue
		}
		found = true
		deadlineSec, err := strconv.ParseInt(kv.Value, 10, 64)
		if err != nil {
			return true, nil
		}
		if time.Unix(deadlineSec, 0).Before(time.Now()) {
			return true, nil
		}
	}
	if !found {
		return true, nil
	}

	for _, p := range ownedPartitions {
		expired, err := r.cp.Expired(ctx, p, latestStreamID, n, x)
		if err != nil {
			return false, err
		}
		if expired {
			return true, nil
		}
	}
	return false, nil
}

// ReclaimDead deletes peerID's registration and copies each of its assigned
// partitions into parts/unassigned/<p>, keyed by the revision observed on
// peerID's parts/<peerID> entry.
func (r *Registry) ReclaimDead(ctx context.Context, peerID string) error {
	partsKey := fmt.Sprintf("%sparts/%s", r.root, peerID)
	kv, err := r.cli.Get(ctx, partsKey)
	if err == store.ErrNotFound {
		return r.deleteWorkerEntries(ctx, peerID)
	}
	if err != nil {
		return fmt.Errorf("reading dead peer's assignment: %w", err)
	}

	for _, p := range parsePartitionCSV(kv.Value) {
		unassignedKey := fmt.Sprintf("%sparts/unassigned/%d", r.root, p)
		if err := r.cli.Put(ctx, unassignedKey, strconv.FormatInt(kv.Revision, 10), store.NoLease); err != nil {
			return fmt.Errorf("unassigning partition %d from dead peer %s: %w", p, peerID, err)
		}
	}
	if err := r.cli.Delete(ctx, partsKey); err != nil {
		return fmt.Errorf("deleting dead peer's assignment: %w", err)
	}

	if err := r.deleteWorkerEntries(ctx, peerID); err != nil {
		return err
	}

	metrics.DeadPeersReaped.Inc()
	registryLog.Warn().Str("worker_id", peerID).Msg("reclaimed partitions from dead peer")
	return nil
}

func (r *Registry) deleteWorkerEntries(ctx context.Context, peerID string) error {
	kvs, err := r.cli.Range(ctx, fmt.Sprintf("%sworkers/%s/", r.root, peerID))
	if err != nil {
		return fmt.Errorf("ranging dead peer's registration: %w", err)
	}
	for _, kv := range kvs {
		if err := r.cli.Delete(ctx, kv.Key); err != nil {
			return fmt.Errorf("deleting dead peer registration %s: %w", kv.Key, err)
		}
	}
	return nil
}

func parsePartitionCSV(csv string) []int {
	if csv == "" {
		return nil
	}
	fields := strings.Split(csv, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
