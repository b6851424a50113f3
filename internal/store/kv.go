// Package store defines the persistence seam the sandbox control plane
// uses for its durable state: the sandbox name/env record and the exposed
// port registry. The outer platform is expected to provide this; the
// repo ships a default file-backed implementation plus optional
// Postgres/SQLite backends for operators who want a shared or embedded
// store instead.
package store

// KV is a minimal persistent key/value contract. Values are JSON-encoded
// by the implementation; Get decodes into out and reports whether the key
// existed.
type KV interface {
	Get(key string, out any) (found bool, err error)
	Put(key string, value any) error
	Delete(key string) error
	// List returns all keys sharing the given prefix, for enumeration
	// (e.g. "exposed-port:" to rebuild the port registry on startup).
	List(prefix string) ([]string, error)
}
