// Package main hosts the bundleiter command.
//
// Architecture overview:
//   - Bundle iterator: internal/bundle.Iterator walks the partitions of one archive bundle (ARC, WARC, MediaWiki,
//     ODP or delimited text) with the decoder chosen by archive.format or the arc_type in arc_description.ini. Its
//     position is saved to the checkpoint store (iterate_status.txt or a buntdb file) after every call so a restarted
//     process resumes where the last one stopped.
//   - Runner: the iterate subcommand pulls batches of pages, writes each page to the configured BlobStore
//     (memory/local/GCS), indexes page metadata in Postgres when a DSN is set and publishes one notice per batch to
//     Pub/Sub when a topic is configured. Progress events are buffered by the progress Hub and fanned out to sinks.
//   - Admin API: the serve subcommand exposes health, metrics, iterator control (next/reset/seek/skip-partition),
//     run history and recent progress events over HTTP.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported at /metrics.
//
// Quick checklist:
//   - Configure env vars: BUNDLEITER_ARCHIVE_DIR, BUNDLEITER_ARCHIVE_FORMAT, BUNDLEITER_CHECKPOINT_RESULT_DIR,
//     BUNDLEITER_RUN_BATCH_SIZE, storage (BUNDLEITER_STORAGE_*), pubsub and the database DSN when persistence beyond
//     memory is required.
//   - Run locally: go run ./cmd/bundleiter iterate --config config.yaml (or rely solely on env overrides).
//   - Inspect or move the cursor without reading pages: bundleiter status, bundleiter seek 1000, bundleiter reset.
package main
