// Package stores provides ConfigStore implementations for netsync.
// It includes a plain-file store (one <device>.cfg per device, replaced
// atomically), a SQLite store with WAL mode that also keeps run history, and
// an S3 store for shared state between operators.
package stores
