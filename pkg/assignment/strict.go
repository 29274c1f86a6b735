package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/sink"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/types"
)

// WriteStrict delivers payload to sink under compare-and-swap discipline
// the sink's underlying checkpoint write is conditioned on
// its previous value matching expectedPrevID. On CAS failure the partition
// is paused and back-off is left to the caller.
func (p *Protocol) WriteStrict(ctx context.Context, cw sink.CASWriter, partition types.Partition, expectedPrevID, newID int64, payload any) error {
	ok, err := cw.WriteCAS(ctx, partition, expectedPrevID, newID, payload)
	if err != nil {
		return fmt.Errorf("strict write for partition %d: %w", partition, err)
	}
	if !ok {
		metrics.CASConflictsTotal.Inc()
		p.lastConflict[partition] = time.Now()
		if err := p.pause(ctx, partition); err != nil {
			return err
		}
		return fmt.Errorf("CAS conflict on partition %d, pausing", partition)
	}
	return nil
}

func (p *Protocol) pause(ctx context.Context, partition types.Partition) error {
	key := fmt.Sprintf("%spaused/%d", p.root(), partition)
	value := fmt.Sprintf("%s,0", p.myID)
	if err := p.cli.Put(ctx, key, value, store.NoLease); err != nil {
		return fmt.Errorf("writing pause marker for partition %d: %w", partition, err)
	}
	metrics.PartitionsPaused.Inc()
	assignLog.Warn().Int("partition", partition).Msg("paused partition after CAS conflict")
	return nil
}

// Unpause clears a partition's own pause marker, e.g. after observing
// another worker has since claimed it (split-brain recovery).
func (p *Protocol) Unpause(ctx context.Context, partition types.Partition) error {
	return p.cli.Delete(ctx, fmt.Sprintf("%spaused/%d", p.root(), partition))
}

// MaybeExitStrict drops strict mode for partition once a full Z-second
// window has passed without a CAS conflict.
func (p *Protocol) MaybeExitStrict(partition types.Partition) {
	if !p.strict[partition] {
		return
	}
	last, ok := p.lastConflict[partition]
	if !ok || time.Since(last) < p.cfg.ZSolo {
		return
	}
	delete(p.strict, partition)
	delete(p.lastConflict, partition)
	metrics.StrictModePartitions.Dec()
	assignLog.Info().Int("partition", partition).Msg("exited strict mode")
}
