// Package cache implements the tag-aware, file-backed cache engine. Every key
// maps to one record file under <CacheDir>/<2 hex>/<digest>.cache, written with
// temp file + rename so concurrent readers never observe a partial record.
// Records carry their own expiry and tags; a single lock-guarded side file
// (tags.index) maps each tag to the keys currently carrying it so callers can
// invalidate whole groups with FlushByTags.
//
// The store is never the system of record: I/O faults surface as errors that
// callers are expected to treat as "proceed without cache", and corrupt or
// expired records are reported as ErrNotFound.
package cache
