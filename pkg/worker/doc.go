/*
Package worker runs one coordinator instance: the single cooperative loop
that pulls messages from a producer.Source, checkins
with peers on the configured heartbeat, and delivers owned-partition
messages to a sink.Func (or, in strict mode, a sink.CASWriter).

	w := worker.New(store.NewMemClient(), config.Default(), myID, myIP, source, deliver, nil)
	if err := w.Run(ctx); err != nil { ... }

Run blocks until the producer is exhausted or ctx is cancelled, and always
attempts Shutdown on the way out: it unassigns owned partitions and deletes
its own registration so peers don't wait out the full lease TTL to reclaim
them.
*/
package worker
