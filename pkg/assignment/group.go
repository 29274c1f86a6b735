package assignment

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/types"
)

// RequestGroupUnassigned issues a group request for a never-claimed
// partition discovered at parts/unassigned/<partition>, using rev as the
// revision observed on that slot key.
func (p *Protocol) RequestGroupUnassigned(ctx context.Context, partition types.Partition, rev int64) (*pendingRequest, error) {
	return p.requestGroup(ctx, partition, rev)
}

// RequestGroupExpired issues a group request to reclaim a partition whose
// checkpoint has gone stale, whether or not its current owner is still a
// live, registered peer. rev is the revision of the evidence that made it
// so — the owning peer's last parts/<peer> write.
func (p *Protocol) RequestGroupExpired(ctx context.Context, partition types.Partition, rev int64) (*pendingRequest, error) {
	return p.requestGroup(ctx, partition, rev)
}

func (p *Protocol) requestGroup(ctx context.Context, partition types.Partition, rev int64) (*pendingRequest, error) {
	existing, err := p.cli.Range(ctx, fmt.Sprintf("%sgroup-req/%d/", p.root(), partition))
	if err != nil {
		return nil, fmt.Errorf("checking existing group requests for partition %d: %w", partition, err)
	}
	if len(existing) > 0 {
		assignLog.Debug().Int("partition", partition).Msg("group request already outstanding, abstaining")
		return nil, nil
	}

	key := fmt.Sprintf("%sgroup-req/%d/%s", p.root(), partition, p.myID)
	if err := p.cli.Put(ctx, key, strconv.FormatInt(rev, 10), store.NoLease); err != nil {
		return nil, fmt.Errorf("putting group request for partition %d: %w", partition, err)
	}

	metrics.GroupTransfersRequested.Inc()
	assignLog.Debug().Int("partition", partition).Int64("rev", rev).Msg("issued group request")
	return &pendingRequest{group: true, partition: partition, revision: rev}, nil
}

// pollGroup implements the requestor side of a group request: it
// checks for a lower-revision competitor (withdrawing if found), tallies
// votes from every live non-self peer, and declares success once every live
// peer has OKed (or been ignored as dead) or the solo-worker grace period
// has elapsed.
func (p *Protocol) pollGroup(ctx context.Context, owned types.Assignment, pr *pendingRequest) (bool, error) {
	competitor, ok, err := p.lowerRevisionCompetitor(ctx, pr)
	if err != nil {
		return false, err
	}
	if ok {
		p.withdrawGroup(ctx, pr)
		p.okVoteFor(ctx, competitor, pr.partition)
		metrics.GroupTransfersWithdrawn.Inc()
		return true, nil
	}

	live, err := p.reg.ListLive(ctx)
	if err != nil {
		return false, err
	}

	others := make([]string, 0, len(live))
	for _, w := range live {
		if w.ID != p.myID {
			others = append(others, w.ID)
		}
	}

	// No other live peer to vote: the solo path requires waiting out the
	// full Z-second grace period rather than succeeding vacuously, per the
	// boundary property of the protocol.
	if len(others) == 0 {
		if !p.soloSince.IsZero() && time.Since(p.soloSince) >= p.cfg.ZSolo {
			return p.finalizeGroup(ctx, owned, pr)
		}
		return false, nil
	}

	allOK := true
	for _, voterID := range others {
		voteKey := fmt.Sprintf("%sack/%s/group/%d/%d/%s", p.root(), p.myID, pr.revision, pr.partition, voterID)
		kv, err := p.cli.Get(ctx, voteKey)
		if err == store.ErrNotFound {
			allOK = false
			continue
		}
		if err != nil {
			return false, err
		}
		if kv.Value == voteDeny {
			p.abandonGroup(ctx, pr)
			return true, nil
		}
	}

	if !allOK {
		return false, nil
	}
	return p.finalizeGroup(ctx, owned, pr)
}

const (
	voteOK   = "1"
	voteDeny = "0"
)

func (p *Protocol) lowerRevisionCompetitor(ctx context.Context, pr *pendingRequest) (string, bool, error) {
	kvs, err := p.cli.Range(ctx, fmt.Sprintf("%sgroup-req/%d/", p.root(), pr.partition))
	if err != nil {
		return "", false, err
	}
	prefix := fmt.Sprintf("%sgroup-req/%d/", p.root(), pr.partition)
	for _, kv := range kvs {
		requestor := strings.TrimPrefix(kv.Key, prefix)
		if requestor == p.myID {
			continue
		}
		rev, err := strconv.ParseInt(kv.Value, 10, 64)
		if err != nil {
			continue
		}
		if rev < pr.revision {
			return requestor, true, nil
		}
	}
	return "", false, nil
}

func (p *Protocol) withdrawGroup(ctx context.Context, pr *pendingRequest) {
	_ = p.cli.Delete(ctx, fmt.Sprintf("%sgroup-req/%d/%s", p.root(), pr.partition, p.myID))
	acks, _ := p.cli.Range(ctx, fmt.Sprintf("%sack/%s/group/%d/%d/", p.root(), p.myID, pr.revision, pr.partition))
	for _, kv := range acks {
		_ = p.cli.Delete(ctx, kv.Key)
	}
}

func (p *Protocol) abandonGroup(ctx context.Context, pr *pendingRequest) {
	p.withdrawGroup(ctx, pr)
}

func (p *Protocol) okVoteFor(ctx context.Context, requestor string, partition types.Partition) {
	kvs, err := p.cli.Range(ctx, fmt.Sprintf("%sgroup-req/%d/%s", p.root(), partition, requestor))
	if err != nil || len(kvs) == 0 {
		return
	}
	rev := kvs[0].Value
	voteKey := fmt.Sprintf("%sack/%s/group/%s/%d/%s", p.root(), requestor, rev, partition, p.myID)
	_ = p.cli.Put(ctx, voteKey, voteOK, store.NoLease)
}

func (p *Protocol) finalizeGroup(ctx context.Context, owned types.Assignment, pr *pendingRequest) (bool, error) {
	_, getErr := p.cli.Get(ctx, fmt.Sprintf("%sparts/unassigned/%d", p.root(), pr.partition))

	_ = p.cli.Delete(ctx, fmt.Sprintf("%sparts/unassigned/%d", p.root(), pr.partition))
	_ = p.cli.Delete(ctx, fmt.Sprintf("%sgroup-req/%d/%s", p.root(), pr.partition, p.myID))
	acks, _ := p.cli.Range(ctx, fmt.Sprintf("%sack/%s/group/%d/%d/", p.root(), p.myID, pr.revision, pr.partition))
	for _, kv := range acks {
		_ = p.cli.Delete(ctx, kv.Key)
	}

	// A partition claimed via the expired-peer path never had an unassigned
	// slot; one claimed from parts/unassigned/<p> did. Only the expired path
	// is eligible for strict mode.
	viaExpiredPath := getErr != nil
	if err := p.claim(ctx, owned, pr.partition, viaExpiredPath); err != nil {
		return true, err
	}
	metrics.GroupTransfersWon.Inc()
	return true, nil
}

type groupReq struct {
	partition types.Partition
	requestor string
	rev       int64
}

// RespondGroup implements the voter side of a group request: ranged read of
// group-req/, voting OK/DENY per the rules, called during the respond phase
// of every checkin.
func (p *Protocol) RespondGroup(ctx context.Context, owned types.Assignment, latestStreamID int64) error {
	kvs, err := p.cli.Range(ctx, p.root()+"group-req/")
	if err != nil {
		return fmt.Errorf("ranging group requests: %w", err)
	}

	var reqs []groupReq
	prefix := p.root() + "group-req/"
	for _, kv := range kvs {
		rest := strings.TrimPrefix(kv.Key, prefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		partition, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		rev, err := strconv.ParseInt(kv.Value, 10, 64)
		if err != nil {
			continue
		}
		reqs = append(reqs, groupReq{partition: partition, requestor: parts[1], rev: rev})
	}

	for _, r := range reqs {
		vote := p.voteFor(ctx, owned, latestStreamID, r)
		voteKey := fmt.Sprintf("%sack/%s/group/%d/%d/%s", p.root(), r.requestor, r.rev, r.partition, p.myID)
		if err := p.cli.Put(ctx, voteKey, vote, store.NoLease); err != nil {
			assignLog.Warn().Err(err).Str("requestor", r.requestor).Int("partition", r.partition).Msg("writing group vote")
		}
	}
	return nil
}

// voteFor implements the per-request voter decision: a voter DENYs any
// request for a partition that carries a pause marker. Otherwise it OKs a
// request whose revision matches the partition's unassigned slot, OKs a
// request for a partition it does not own once it agrees the checkpoint is
// expired, and OKs one for a partition it does own by releasing its own
// claim first, since the checkpoint both sides are judging is the same
// store record. It DENYs whenever it disagrees, or when its own competing
// request for the same partition carries a lower revision.
func (p *Protocol) voteFor(ctx context.Context, owned types.Assignment, latestStreamID int64, r groupReq) string {
	if r.requestor == p.myID {
		return voteOK
	}

	if _, err := p.cli.Get(ctx, fmt.Sprintf("%spaused/%d", p.root(), r.partition)); err == nil {
		return voteDeny
	}

	if _, ownIt := owned[r.partition]; ownIt {
		expired, err := p.cp.Expired(ctx, r.partition, latestStreamID, p.cfg.NExpired, p.cfg.XExpired)
		if err != nil || !expired {
			return voteDeny
		}
		delete(owned, r.partition)
		assignLog.Info().Int("partition", r.partition).Str("requestor", r.requestor).
			Msg("releasing expired partition to group requestor")
		return voteOK
	}

	unassignedKey := fmt.Sprintf("%sparts/unassigned/%d", p.root(), r.partition)
	if kv, err := p.cli.Get(ctx, unassignedKey); err == nil {
		if strconv.FormatInt(kv.Revision, 10) == kv.Value || r.rev == kv.Revision {
			return voteOK
		}
	}

	expired, err := p.cp.Expired(ctx, r.partition, latestStreamID, p.cfg.NExpired, p.cfg.XExpired)
	if err != nil || !expired {
		return voteDeny
	}

	if ownRev, haveOwn, err := p.ownGroupRequestRevision(ctx, r.partition); err == nil && haveOwn && ownRev < r.rev {
		return voteDeny
	}
	return voteOK
}

func (p *Protocol) ownGroupRequestRevision(ctx context.Context, partition types.Partition) (int64, bool, error) {
	key := fmt.Sprintf("%sgroup-req/%d/%s", p.root(), partition, p.myID)
	kv, err := p.cli.Get(ctx, key)
	if err == store.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	rev, err := strconv.ParseInt(kv.Value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return rev, true, nil
}
