package assignment

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/types"
)

// pendingRequest tracks one in-flight direct or group transfer request as a
// plain mutated record rather than a channel or promise, since pollPending
// drives resolution by re-polling rather than waiting on a callback.
type pendingRequest struct {
	group     bool
	recipient string // direct only
	partition types.Partition
	revision  int64
}

// RequestDirect issues a targeted 1:1 transfer request to recipient, a
// single overloaded peer. rev is the revision observed on the recipient's
// parts entry when it was identified as overloaded; the recipient echoes it
// back in its ack so the requestor can detect a stale match.
func (p *Protocol) RequestDirect(ctx context.Context, recipient string, rev int64) (*pendingRequest, error) {
	key := fmt.Sprintf("%sreq/%s", p.root(), recipient)
	value := fmt.Sprintf("%s,%d", p.myID, rev)
	if err := p.cli.Put(ctx, key, value, store.NoLease); err != nil {
		return nil, fmt.Errorf("putting direct request to %s: %w", recipient, err)
	}
	metrics.DirectTransfersRequested.Inc()
	assignLog.Debug().Str("recipient", recipient).Int64("rev", rev).Msg("issued direct request")
	return &pendingRequest{recipient: recipient, revision: rev}, nil
}

// pollDirect checks ack/<myID>/<recipient> for resolution, the requestor
// half of the direct-transfer state machine.
func (p *Protocol) pollDirect(ctx context.Context, owned types.Assignment, pr *pendingRequest) (bool, error) {
	ackKey := fmt.Sprintf("%sack/%s/%s", p.root(), p.myID, pr.recipient)
	kv, err := p.cli.Get(ctx, ackKey)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	confirmRev, partition, ok := parseDirectAck(kv.Value)
	if !ok {
		return false, fmt.Errorf("malformed direct ack %q", kv.Value)
	}
	_ = p.cli.Delete(ctx, ackKey)
	_ = p.cli.Delete(ctx, fmt.Sprintf("%sreq/%s", p.root(), pr.recipient))

	if confirmRev != pr.revision {
		assignLog.Error().Str("recipient", pr.recipient).Int64("expected", pr.revision).Int64("got", confirmRev).
			Msg("direct ack revision mismatch, discarding request")
		return true, nil
	}

	if err := p.claim(ctx, owned, partition, false); err != nil {
		return true, err
	}
	metrics.DirectTransfersGranted.Inc()
	return true, nil
}

// RespondDirect implements the recipient side of a direct transfer: if a
// req/<myID> is present and the recipient still owns an unpaused partition,
// it hands over one partition (its lowest-numbered unpaused one; the
// request does not name a partition) and acks it. At most one direct
// request is answered per checkin.
func (p *Protocol) RespondDirect(ctx context.Context, owned types.Assignment) error {
	key := fmt.Sprintf("%sreq/%s", p.root(), p.myID)
	kv, err := p.cli.Get(ctx, key)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading own direct request key: %w", err)
	}

	requestor, rev, ok := parseDirectRequest(kv.Value)
	if !ok {
		return fmt.Errorf("malformed direct request %q", kv.Value)
	}

	granted, ok := p.firstUnpausedPartition(ctx, owned)
	if !ok {
		return nil
	}

	if err := p.cp.Write(ctx, granted, owned[granted]); err != nil {
		return fmt.Errorf("writing final checkpoint before transfer: %w", err)
	}
	delete(owned, granted)

	ackKey := fmt.Sprintf("%sack/%s/%s", p.root(), requestor, p.myID)
	ackValue := fmt.Sprintf("%d,%d", rev, granted)
	if err := p.cli.Put(ctx, ackKey, ackValue, store.NoLease); err != nil {
		return fmt.Errorf("acking direct request from %s: %w", requestor, err)
	}

	assignLog.Info().Str("requestor", requestor).Int("partition", granted).Msg("granted direct transfer")
	return nil
}

// firstUnpausedPartition picks the partition a recipient hands to a direct
// requestor: the lowest-numbered owned partition without an active pause
// marker. Paused partitions are never handed off.
func (p *Protocol) firstUnpausedPartition(ctx context.Context, owned types.Assignment) (types.Partition, bool) {
	for _, partition := range owned.Partitions() {
		pauseKey := fmt.Sprintf("%spaused/%d", p.root(), partition)
		if _, err := p.cli.Get(ctx, pauseKey); err == store.ErrNotFound {
			return partition, true
		}
	}
	return 0, false
}

func parseDirectRequest(value string) (requestor string, rev int64, ok bool) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	rev, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], rev, true
}

func parseDirectAck(value string) (confirmRev int64, partition types.Partition, ok bool) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	confirmRev, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	partition, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return confirmRev, partition, true
}
