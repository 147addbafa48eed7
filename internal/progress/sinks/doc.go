// Package sinks implements concrete progress consumers: Prometheus
// collectors, the run repository, structured logging and an in-memory ring
// of recent events. Each sink satisfies progress.Sink and tolerates repeated
// Consume/Close cycles.
package sinks
