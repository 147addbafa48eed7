// Package runner drives an archive bundle iterator batch by batch: it
// stores each page in a blob store, indexes its metadata, publishes a batch
// notice and reports progress events for the run.
package runner
