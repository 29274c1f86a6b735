// Package sink defines the destination contract: a plain delivery function
// for at-least-once processing, and an optional compare-and-swap
// writer a destination can implement to support strict mode.
package sink

import "context"

// Func delivers one payload. It is invoked synchronously after a successful
// checkpoint write; a non-nil error is the sink's own concern and does not
// affect the coordinator's at-least-once guarantee.
type Func func(ctx context.Context, partition int, payload any) error

// CASWriter lets a destination participate in strict mode: it must write
// the payload and the partition's new checkpoint atomically, conditioned on
// the destination's previous checkpoint equaling expectedPrevID. It reports
// ok=false (not an error) on a CAS conflict.
type CASWriter interface {
	WriteCAS(ctx context.Context, partition int, expectedPrevID, newID int64, payload any) (ok bool, err error)
}
