// Package checkpoint tracks per-partition progress: the last processed
// message id and when it was written.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/store"
)

// Store reads and writes checkpoints for a single ROOT namespace.
type Store struct {
	cli  store.Client
	root string
}

// New returns a checkpoint Store rooted at root (e.g. "/cc/").
func New(cli store.Client, root string) *Store {
	return &Store{cli: cli, root: root}
}

func (s *Store) key(partition int) string {
	return fmt.Sprintf("%scheckpoint/%d", s.root, partition)
}

// Write stamps partition's checkpoint with id and the current wallclock
// time, using a "<last_id>,<wallclock_seconds>" value format.
func (s *Store) Write(ctx context.Context, partition int, id int64) error {
	value := fmt.Sprintf("%d,%d", id, time.Now().Unix())
	return s.cli.Put(ctx, s.key(partition), value, store.NoLease)
}

// Read returns the last checkpointed id for partition, or (0, false) if
// none has ever been written.
func (s *Store) Read(ctx context.Context, partition int) (int64, bool, error) {
	kv, err := s.cli.Get(ctx, s.key(partition))
	if err == store.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	id, _, err := parse(kv.Value)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint/%d: %w", partition, err)
	}
	return id, true, nil
}

// Expired reports whether partition's checkpoint is stale:
// its id lags the latest observed stream id by more than n, or its
// timestamp is older than x.
func (s *Store) Expired(ctx context.Context, partition int, latestID int64, n int64, x time.Duration) (bool, error) {
	kv, err := s.cli.Get(ctx, s.key(partition))
	if err == store.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	id, ts, err := parse(kv.Value)
	if err != nil {
		return false, fmt.Errorf("checkpoint/%d: %w", partition, err)
	}

	if latestID-id > n {
		return true, nil
	}
	age := time.Since(time.Unix(ts, 0))
	return age > x, nil
}

func parse(value string) (id int64, wallclock int64, err error) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed checkpoint value %q", value)
	}
	id, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed checkpoint id %q: %w", parts[0], err)
	}
	wallclock, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed checkpoint timestamp %q: %w", parts[1], err)
	}
	return id, wallclock, nil
}
