package worker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cuemby/keeper/pkg/store"
)

// Init bootstraps a fresh cluster: writes the init flag, the immutable
// partition count, and one unassigned-slot marker per partition. It is
// idempotent in effect only once — a second call against an already
// initialized root fails without changing any state. Each unassigned
// slot's value is the revision at which it was created.
func Init(ctx context.Context, cli store.Client, root string, totalPartitions int) error {
	initKey := root + "init"
	if _, err := cli.Get(ctx, initKey); err != store.ErrNotFound {
		if err != nil {
			return fmt.Errorf("checking init flag: %w", err)
		}
		return fmt.Errorf("cluster already initialized")
	}

	if err := cli.Put(ctx, initKey, "1", store.NoLease); err != nil {
		return fmt.Errorf("writing init flag: %w", err)
	}
	if err := cli.Put(ctx, root+"parts/total", strconv.Itoa(totalPartitions), store.NoLease); err != nil {
		return fmt.Errorf("writing parts/total: %w", err)
	}

	for n := 0; n < totalPartitions; n++ {
		key := fmt.Sprintf("%sparts/unassigned/%d", root, n)
		if err := cli.Put(ctx, key, "0", store.NoLease); err != nil {
			return fmt.Errorf("writing unassigned slot %d: %w", n, err)
		}
		kv, err := cli.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("reading back unassigned slot %d: %w", n, err)
		}
		if err := cli.Put(ctx, key, strconv.FormatInt(kv.Revision, 10), store.NoLease); err != nil {
			return fmt.Errorf("stamping unassigned slot %d with its revision: %w", n, err)
		}
	}
	return nil
}
