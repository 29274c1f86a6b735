// Package assignment implements the direct and group partition-transfer
// protocol — the heart of the coordinator. A Protocol value is
// owned by exactly one worker and mutates only that worker's local view;
// all cross-worker coordination happens through store revisions.
package assignment

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/checkpoint"
	"github.com/cuemby/keeper/pkg/config"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/registry"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/types"
)

var assignLog = log.WithComponent("assignment")

// Protocol runs the acquisition, respond, and strict-mode logic for one
// worker identified by myID.
type Protocol struct {
	cli  store.Client
	cp   *checkpoint.Store
	reg  *registry.Registry
	cfg  config.Config
	myID string

	strict       map[types.Partition]bool
	lastConflict map[types.Partition]time.Time
	soloSince    time.Time
}

// New returns a Protocol for myID, using cli/cp/reg for store, checkpoint,
// and registry access respectively.
func New(cli store.Client, cp *checkpoint.Store, reg *registry.Registry, cfg config.Config, myID string) *Protocol {
	return &Protocol{
		cli:          cli,
		cp:           cp,
		reg:          reg,
		cfg:          cfg,
		myID:         myID,
		strict:       make(map[types.Partition]bool),
		lastConflict: make(map[types.Partition]time.Time),
	}
}

// IsStrict reports whether partition is currently under strict-mode CAS
// discipline.
func (p *Protocol) IsStrict(partition types.Partition) bool {
	return p.strict[partition]
}

func (p *Protocol) root() string { return p.cfg.Root }

// TotalPartitions reads the immutable partition count from parts/total.
func (p *Protocol) TotalPartitions(ctx context.Context) (int, error) {
	kv, err := p.cli.Get(ctx, p.root()+"parts/total")
	if err != nil {
		return 0, fmt.Errorf("reading parts/total: %w", err)
	}
	total, err := strconv.Atoi(kv.Value)
	if err != nil {
		return 0, fmt.Errorf("malformed parts/total %q: %w", kv.Value, err)
	}
	return total, nil
}

// FairShare computes floor(P / max(1, live)).
func FairShare(total, live int) int {
	if live < 1 {
		live = 1
	}
	return total / live
}

// Checkin runs one full checkin pass: respond to peers, then acquire
// partitions up to fair share, bounded by cfg.Timeout. It returns the
// updated assignment (partition → last processed id) and persists it to
// parts/<myID>.
func (p *Protocol) Checkin(ctx context.Context, owned types.Assignment, latestStreamID int64) (types.Assignment, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StoreOpDuration, "checkin")
	defer timer.ObserveDuration(metrics.CheckinDuration)
	metrics.CheckinsTotal.Inc()

	if owned == nil {
		owned = types.Assignment{}
	}

	if err := p.RespondToPeers(ctx, owned, latestStreamID); err != nil {
		assignLog.Warn().Err(err).Msg("respond phase failed")
	}

	live, err := p.reg.ListLive(ctx)
	if err != nil {
		return owned, fmt.Errorf("listing live workers: %w", err)
	}
	if len(live) == 1 && live[0].ID == p.myID {
		if p.soloSince.IsZero() {
			p.soloSince = time.Now()
		}
	} else {
		p.soloSince = time.Time{}
	}

	total, err := p.TotalPartitions(ctx)
	if err != nil {
		return owned, err
	}
	metrics.PartitionsTotal.Set(float64(total))
	fair := FairShare(total, len(live))

	if len(owned) >= fair {
		p.writeAssignment(ctx, owned)
		return owned, nil
	}

	deadline := time.Now().Add(p.cfg.Timeout)
	pending := p.issueRequests(ctx, owned, fair, latestStreamID)
	p.pollPending(ctx, owned, pending, deadline)

	p.writeAssignment(ctx, owned)
	return owned, nil
}

// issueRequests works through the acquisition order: unassigned slots first,
// then partitions a live peer holds but has stopped checkpointing, then
// direct transfers from overloaded peers, stopping once owned+pending
// reaches fair share.
func (p *Protocol) issueRequests(ctx context.Context, owned types.Assignment, fair int, latestStreamID int64) []*pendingRequest {
	var pending []*pendingRequest
	capacity := func() int { return fair - len(owned) - len(pending) }

	unassignedKVs, err := p.cli.Range(ctx, p.root()+"parts/unassigned/")
	if err != nil {
		assignLog.Warn().Err(err).Msg("ranging unassigned partitions")
		unassignedKVs = nil
	}
	metrics.PartitionsUnassigned.Set(float64(len(unassignedKVs)))
	for _, kv := range unassignedKVs {
		if capacity() <= 0 {
			break
		}
		partition, ok := parseUnassignedKey(kv.Key, p.root())
		if !ok {
			continue
		}
		pr, err := p.RequestGroupUnassigned(ctx, partition, kv.Revision)
		if err != nil {
			assignLog.Warn().Err(err).Int("partition", partition).Msg("issuing unassigned group request")
			continue
		}
		if pr != nil {
			pending = append(pending, pr)
		}
	}

	if capacity() > 0 {
		expired, err := p.expiredLivePartitions(ctx, owned, latestStreamID)
		if err != nil {
			assignLog.Warn().Err(err).Msg("scanning peers for expired partitions")
			expired = nil
		}
		for _, e := range expired {
			if capacity() <= 0 {
				break
			}
			pr, err := p.RequestGroupExpired(ctx, e.partition, e.revision)
			if err != nil {
				assignLog.Warn().Err(err).Int("partition", e.partition).Msg("issuing expired-partition group request")
				continue
			}
			if pr != nil {
				pending = append(pending, pr)
			}
		}
	}

	if capacity() > 0 {
		overloaded, err := p.overloadedPeers(ctx, fair)
		if err != nil {
			assignLog.Warn().Err(err).Msg("scanning overloaded peers")
			overloaded = nil
		}
		for _, w := range overloaded {
			if capacity() <= 0 {
				break
			}
			pr, err := p.RequestDirect(ctx, w.id, w.revision)
			if err != nil {
				assignLog.Warn().Err(err).Str("peer", w.id).Msg("issuing direct request")
				continue
			}
			pending = append(pending, pr)
		}
	}

	return pending
}

type overloadedPeer struct {
	id       string
	count    int
	revision int64
}

func (p *Protocol) overloadedPeers(ctx context.Context, fair int) ([]overloadedPeer, error) {
	kvs, err := p.cli.Range(ctx, p.root()+"parts/")
	if err != nil {
		return nil, err
	}

	var out []overloadedPeer
	prefix := p.root() + "parts/"
	for _, kv := range kvs {
		rest := strings.TrimPrefix(kv.Key, prefix)
		if rest == "total" || strings.HasPrefix(rest, "unassigned/") || rest == p.myID {
			continue
		}
		parts := parsePartitionCSV(kv.Value)
		if len(parts) > fair {
			out = append(out, overloadedPeer{id: rest, count: len(parts), revision: kv.Revision})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].id < out[j].id
	})
	return out, nil
}

type expiredPartition struct {
	partition types.Partition
	revision  int64
}

// expiredLivePartitions scans every other peer's parts/<peer> entry for
// partitions whose checkpoint has gone stale by the worker's own measure,
// skipping anything it already owns. The peer holding one of these is still
// registered and may still be live; it simply has not advanced the
// partition's checkpoint recently enough, which is what makes this distinct
// from registry.ReclaimDead, which only fires once a peer's own heartbeat
// has expired.
func (p *Protocol) expiredLivePartitions(ctx context.Context, owned types.Assignment, latestStreamID int64) ([]expiredPartition, error) {
	kvs, err := p.cli.Range(ctx, p.root()+"parts/")
	if err != nil {
		return nil, err
	}

	var out []expiredPartition
	prefix := p.root() + "parts/"
	for _, kv := range kvs {
		rest := strings.TrimPrefix(kv.Key, prefix)
		if rest == "total" || strings.HasPrefix(rest, "unassigned/") || rest == p.myID {
			continue
		}
		for _, partition := range parsePartitionCSV(kv.Value) {
			if _, mine := owned[partition]; mine {
				continue
			}
			expired, err := p.cp.Expired(ctx, partition, latestStreamID, p.cfg.NExpired, p.cfg.XExpired)
			if err != nil || !expired {
				continue
			}
			out = append(out, expiredPartition{partition: partition, revision: kv.Revision})
		}
	}
	return out, nil
}

// pollPending bounds the request-issuing phase by cfg.Timeout: it
// repeatedly checks each pending request for resolution until
// every one resolves or the deadline passes, at which point unresolved
// requests are abandoned and their keys deleted.
func (p *Protocol) pollPending(ctx context.Context, owned types.Assignment, pending []*pendingRequest, deadline time.Time) {
	remaining := pending
	for len(remaining) > 0 && time.Now().Before(deadline) {
		var next []*pendingRequest
		for _, pr := range remaining {
			resolved, err := p.pollOne(ctx, owned, pr)
			if err != nil {
				assignLog.Warn().Err(err).Msg("polling pending request")
			}
			if !resolved {
				next = append(next, pr)
			}
		}
		remaining = next
		if len(remaining) > 0 {
			time.Sleep(pollInterval)
		}
	}

	for _, pr := range remaining {
		p.abandon(ctx, pr)
	}
}

const pollInterval = 5 * time.Millisecond

func (p *Protocol) pollOne(ctx context.Context, owned types.Assignment, pr *pendingRequest) (bool, error) {
	if pr.group {
		return p.pollGroup(ctx, owned, pr)
	}
	return p.pollDirect(ctx, owned, pr)
}

func (p *Protocol) abandon(ctx context.Context, pr *pendingRequest) {
	if pr.group {
		_ = p.cli.Delete(ctx, fmt.Sprintf("%sgroup-req/%d/%s", p.root(), pr.partition, p.myID))
		return
	}
	_ = p.cli.Delete(ctx, fmt.Sprintf("%sreq/%s", p.root(), pr.recipient))
	metrics.DirectTransfersTimedOut.Inc()
}

// claim finalizes ownership of partition. A partition claimed via the
// expired-reclamation path enters strict mode only when the operator has
// enabled it; otherwise the claim proceeds exactly like any other.
func (p *Protocol) claim(ctx context.Context, owned types.Assignment, partition types.Partition, viaExpiredPath bool) error {
	_ = p.cli.Delete(ctx, fmt.Sprintf("%sparts/unassigned/%d", p.root(), partition))
	_ = p.Unpause(ctx, partition)

	lastID, _, err := p.cp.Read(ctx, partition)
	if err != nil {
		return err
	}
	owned[partition] = lastID

	strict := viaExpiredPath && p.cfg.StrictModeEnabled
	if strict {
		p.strict[partition] = true
		p.lastConflict[partition] = time.Now()
		metrics.StrictModePartitions.Inc()
	}

	assignLog.Info().Int("partition", partition).Bool("strict", strict).Msg("claimed partition")
	metrics.PartitionsOwned.Set(float64(len(owned)))
	return nil
}

func (p *Protocol) writeAssignment(ctx context.Context, owned types.Assignment) {
	key := fmt.Sprintf("%sparts/%s", p.root(), p.myID)
	if err := p.cli.Put(ctx, key, formatPartitionCSV(owned.Partitions()), store.NoLease); err != nil {
		assignLog.Warn().Err(err).Msg("writing own assignment")
		return
	}
	metrics.PartitionsOwned.Set(float64(len(owned)))
}

func parsePartitionCSV(csv string) []types.Partition {
	if csv == "" {
		return nil
	}
	fields := strings.Split(csv, ",")
	out := make([]types.Partition, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func formatPartitionCSV(parts []types.Partition) string {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = strconv.Itoa(p)
	}
	return strings.Join(strs, ",")
}

func parseUnassignedKey(key, root string) (types.Partition, bool) {
	prefix := root + "parts/unassigned/"
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}
