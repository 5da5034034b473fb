// Package cache implements named, versioned response buckets with the
// semantics of the platform Cache Storage API: a Storage opens, lists and
// deletes buckets by name, and each Bucket maps a GET request identity (URL
// without fragment, narrowed by the stored response's Vary headers) to a
// stored response. Two drivers exist: a filesystem layout under
// StoragePath/buckets/<name>/<sha256>.entry written via temp file + rename,
// and a SQLite database for deployments that prefer a single file. Writes to
// a bucket that was deleted concurrently fail with ErrBucketDeleted so a
// superseded version can never be resurrected by a late write.
package cache
