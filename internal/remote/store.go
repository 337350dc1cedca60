// Package remote defines the contract of the remote document store, blob
// storage and the error taxonomy shared by every component that talks to them.
package remote

import "context"

// Store is a document store with snapshot listeners.
type Store interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, path string) (Doc, error)
	Query(ctx context.Context, q Query) ([]Doc, error)
	// Add creates a document with a generated id in collection and returns the id.
	Add(ctx context.Context, collection string, data Fields) (string, error)
	Set(ctx context.Context, path string, data Fields) error
	// Update returns ErrNotFound when the document does not exist.
	Update(ctx context.Context, path string, data Fields) error
	Delete(ctx context.Context, path string) error
	Commit(ctx context.Context, b *Batch) error
	// Listen delivers the full result of q now and after every change to it.
	Listen(ctx context.Context, q Query) (Listener, error)
}

// Snapshot is the full result of a listened query at one point in time.
// A snapshot with Err set is the last one the listener delivers.
type Snapshot struct {
	Docs []Doc
	Err  error
}

// Listener is a cancellable snapshot subscription. Snapshots arrive in order;
// the channel is closed after Close or after an error snapshot.
type Listener interface {
	Snapshots() <-chan Snapshot
	Close()
}

// BlobStore stores binary objects under keys and serves them by URL.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
	Download(ctx context.Context, url string) ([]byte, error)
}
