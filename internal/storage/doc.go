// Package storage owns the durable side of the pipeline: the pgx connection
// pool, the daily-partitioned schema, the partition manager that precreates
// partitions ahead of the write path, the batched append-only writer, and the
// market metadata store.
//
// All time-series tables are append-only and range-partitioned by UTC day.
// Writes are idempotent (ON CONFLICT DO NOTHING), so re-delivery from the
// feed never duplicates rows.
package storage
