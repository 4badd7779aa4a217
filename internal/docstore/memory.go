package docstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps collections in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	closed      bool

	feed       *feed
	notifier   Notifier
	stopListen func()
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty store. A nil notifier means a private
// LocalNotifier.
func NewMemoryStore(notifier Notifier) *MemoryStore {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	s := &MemoryStore{
		collections: make(map[string]map[string]Document),
		notifier:    notifier,
	}
	s.feed = newFeed(s.Query)
	s.stopListen = notifier.Listen(s.feed.changed)
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, collection, id string, doc Document) error {
	if id == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidQuery)
	}
	normalized, err := Normalize(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		s.collections[collection] = docs
	}
	if _, exists := docs[id]; exists {
		s.mu.Unlock()
		return ErrAlreadyExists
	}
	docs[id] = normalized
	s.mu.Unlock()

	return s.notifier.Notify(ctx, collection, id)
}

func (s *MemoryStore) Get(_ context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	validated, err := validateQuery(q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return apply(s.collections[collection], validated), nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields Document) error {
	normalized, err := Normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	for k, v := range normalized {
		doc[k] = v
	}
	s.mu.Unlock()

	return s.notifier.Notify(ctx, collection, id)
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.collections[collection][id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.collections[collection], id)
	s.mu.Unlock()

	return s.notifier.Notify(ctx, collection, id)
}

func (s *MemoryStore) Subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) (*Subscription, error) {
	if _, err := validateQuery(q); err != nil {
		return nil, err
	}
	return s.feed.subscribe(ctx, collection, q, fn)
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopListen()
	s.feed.close()
	return nil
}
