/*
Package log provides structured logging for the coordinator using zerolog.

A single global Logger is initialized once via Init and component-scoped
child loggers are derived from it with WithComponent and WithWorker so that
every checkin, claim, and transfer carries enough context to reconstruct the
protocol's history from logs alone.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	assignLog := log.WithComponent("assignment")
	assignLog.Info().
		Str("worker_id", myID).
		Int("partition", 6).
		Msg("claimed partition via group request")

Use Debug for per-checkin chatter, Info for ownership changes, Warn for
retried or denied requests, and Error for protocol violations such as a
revision mismatch on a direct ack.
*/
package log
