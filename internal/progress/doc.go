// Package progress provides the event primitives, non-blocking hub and
// emitter interfaces that the runner uses to report bundle progress. Events
// are batched on a background goroutine and fanned out to pluggable sinks
// such as Prometheus collectors, the run repository or an in-memory ring the
// admin API reads from.
package progress
