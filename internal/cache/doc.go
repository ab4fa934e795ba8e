// Package cache defines the versioned bucket store behind the asset cache.
// A Store owns named buckets (one per cache version); a Bucket maps normalized
// request keys to stored responses. Backends (fs, sqlite, badger) register
// themselves by name and persist across restarts until a bucket is deleted.
// Every failure surfaces as *StorageError so callers can fall back to the
// network instead of failing the request.
package cache
