// Package producer defines the message source contract: a
// pull iterator yielding non-decreasing ids with an optional payload.
package producer

import "context"

// Message is one (id, payload) pair pulled from a Source. Payload may be
// nil, in which case the worker forwards the id itself.
type Message struct {
	ID      int64
	Payload any
}

// Source is a pull iterator over a message stream. Next blocks until the
// next message is available, the context is cancelled, or the stream is
// exhausted (ok=false).
type Source interface {
	Next(ctx context.Context) (msg Message, ok bool, err error)
}
