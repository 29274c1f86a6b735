// Package worker implements the single-threaded worker loop:
// message dispatch, periodic checkin, and orchestration of the registry,
// checkpoint store, and assignment protocol.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/assignment"
	"github.com/cuemby/keeper/pkg/checkpoint"
	"github.com/cuemby/keeper/pkg/config"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/producer"
	"github.com/cuemby/keeper/pkg/registry"
	"github.com/cuemby/keeper/pkg/sink"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/types"
)

var workerLog = log.WithComponent("worker")

// Worker runs one coordinator instance: one producer, one sink, one
// cooperative loop. Concurrency exists only between Workers, mediated by
// the store.
type Worker struct {
	cli       store.Client
	cp        *checkpoint.Store
	reg       *registry.Registry
	proto     *assignment.Protocol
	cfg       config.Config
	id        string
	source    producer.Source
	deliver   sink.Func
	casWriter sink.CASWriter

	owned          types.Assignment
	lastCheckin    time.Time
	latestStreamID int64
}

// New returns a Worker identified by id/ip, pulling from source and
// delivering to deliver. casWriter may be nil if the destination does not
// support strict mode.
func New(cli store.Client, cfg config.Config, id, ip string, source producer.Source, deliver sink.Func, casWriter sink.CASWriter) *Worker {
	cp := checkpoint.New(cli, cfg.Root)
	reg := registry.New(cli, cp, cfg.Root, id, ip, cfg.Heartbeat)
	proto := assignment.New(cli, cp, reg, cfg, id)
	return &Worker{
		cli:       cli,
		cp:        cp,
		reg:       reg,
		proto:     proto,
		cfg:       cfg,
		id:        id,
		source:    source,
		deliver:   deliver,
		casWriter: casWriter,
		owned:     types.Assignment{},
	}
}

// Run drives the loop to completion (producer exhaustion) or
// until ctx is cancelled. It always attempts a graceful shutdown on return.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.reg.Register(ctx); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		if err := w.Shutdown(shutdownCtx); err != nil {
			workerLog.Warn().Err(err).Msg("graceful shutdown failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, ok, err := w.source.Next(ctx)
		if err != nil {
			return fmt.Errorf("reading from producer: %w", err)
		}
		if !ok {
			return nil
		}
		if msg.ID > w.latestStreamID {
			w.latestStreamID = msg.ID
		}

		if time.Since(w.lastCheckin) > w.cfg.Heartbeat {
			w.checkin(ctx)
		}

		if err := w.dispatch(ctx, msg); err != nil {
			workerLog.Warn().Err(err).Int64("id", msg.ID).Msg("dispatch failed")
		}
	}
}

func (w *Worker) checkin(ctx context.Context) {
	owned, err := w.proto.Checkin(ctx, w.owned, w.latestStreamID)
	if err != nil {
		workerLog.Warn().Err(err).Msg("checkin failed")
	}
	w.owned = owned
	w.lastCheckin = time.Now()

	if err := w.reg.Refresh(ctx); err != nil {
		workerLog.Warn().Err(err).Msg("refreshing registration failed")
	}
	w.reapDeadPeers(ctx)
}

// reapDeadPeers scans registered peers and reclaims any found dead,
// unassigning the dead peer's last owned partitions.
func (w *Worker) reapDeadPeers(ctx context.Context) {
	prefix := w.cfg.Root + "workers/"
	kvs, err := w.cli.Range(ctx, prefix)
	if err != nil {
		workerLog.Warn().Err(err).Msg("listing registered workers for reap pass")
		return
	}
	seen := make(map[string]bool)
	for _, kv := range kvs {
		peerID, _, _ := strings.Cut(strings.TrimPrefix(kv.Key, prefix), "/")
		if peerID == w.id || seen[peerID] {
			continue
		}
		seen[peerID] = true
		dead, err := w.reg.IsDead(ctx, peerID, nil, w.latestStreamID, w.cfg.NExpired, w.cfg.XExpired)
		if err != nil || !dead {
			continue
		}
		if err := w.reg.ReclaimDead(ctx, peerID); err != nil {
			workerLog.Warn().Err(err).Str("peer", peerID).Msg("reclaiming dead peer failed")
		}
	}
}

// dispatch implements the inner loop body: deliver a message
// to its owning partition's sink iff it is owned and unseen, checkpointing
// before delivery.
func (w *Worker) dispatch(ctx context.Context, msg producer.Message) error {
	total, err := w.proto.TotalPartitions(ctx)
	if err != nil {
		return err
	}
	partition := int(msg.ID % int64(total))

	lastID, owns := w.owned[partition]
	if !owns || msg.ID <= lastID {
		return nil
	}

	payload := msg.Payload
	if payload == nil {
		payload = msg.ID
	}

	if w.proto.IsStrict(partition) && w.casWriter != nil {
		if err := w.proto.WriteStrict(ctx, w.casWriter, partition, lastID, msg.ID, payload); err != nil {
			return err
		}
		w.owned[partition] = msg.ID
		w.proto.MaybeExitStrict(partition)
		metrics.MessagesProcessed.Inc()
		return nil
	}

	if err := w.cp.Write(ctx, partition, msg.ID); err != nil {
		return fmt.Errorf("writing checkpoint for partition %d: %w", partition, err)
	}
	w.owned[partition] = msg.ID
	if err := w.deliver(ctx, partition, payload); err != nil {
		return err
	}
	metrics.MessagesProcessed.Inc()
	return nil
}

// Shutdown deletes this worker's registration and unassigns its partitions
// so peers can reclaim them without waiting out the registration TTL.
func (w *Worker) Shutdown(ctx context.Context) error {
	for p := range w.owned {
		kv, err := w.cli.Get(ctx, fmt.Sprintf("%sparts/%s", w.cfg.Root, w.id))
		rev := int64(0)
		if err == nil {
			rev = kv.Revision
		}
		key := fmt.Sprintf("%sparts/unassigned/%d", w.cfg.Root, p)
		if err := w.cli.Put(ctx, key, strconv.FormatInt(rev, 10), store.NoLease); err != nil {
			workerLog.Warn().Err(err).Int("partition", p).Msg("failed to unassign on shutdown")
		}
	}
	if err := w.cli.Delete(ctx, fmt.Sprintf("%sparts/%s", w.cfg.Root, w.id)); err != nil {
		workerLog.Warn().Err(err).Msg("failed to delete own assignment on shutdown")
	}
	return w.reg.Unregister(ctx)
}
