// Package docstore is a small document database: named collections of
// JSON documents with point reads, filtered/ordered queries, merge-patch
// updates and live query subscriptions that push the full result set on
// every change.
//
// Two backends share the query semantics: MemoryStore for tests and
// single-process runs, and PostgresStore which keeps every collection in
// one JSONB table. Change notification is pluggable through Notifier so
// several service instances can share a Postgres database.
package docstore

import "context"

// SnapshotFunc receives the full current result of a subscribed query, or
// the error that prevented computing it.
type SnapshotFunc func(docs []Document, err error)

// Store is the document store consumed by the repositories.
type Store interface {
	// Insert adds a document under a caller-chosen id. It fails with
	// ErrAlreadyExists when the id is taken.
	Insert(ctx context.Context, collection, id string, doc Document) error
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Update merges fields into the top level of an existing document.
	// Backends with unique indexes report violations as ErrAlreadyExists.
	Update(ctx context.Context, collection, id string, fields Document) error
	// Delete removes a document. Deleting a missing id is ErrNotFound.
	Delete(ctx context.Context, collection, id string) error
	// Subscribe delivers the result of q now and after every change to the
	// collection until the subscription is stopped or ctx is cancelled.
	Subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) (*Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}
