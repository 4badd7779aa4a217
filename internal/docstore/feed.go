package docstore

import (
	"context"
	"sync"
	"sync/atomic"
)

type queryFunc func(ctx context.Context, collection string, q Query) ([]Document, error)

// feed keeps the live subscriptions of a store and re-runs them when a
// collection changes.
type feed struct {
	query queryFunc

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func newFeed(query queryFunc) *feed {
	return &feed{query: query, subs: make(map[string]map[*Subscription]struct{})}
}

func (f *feed) subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		collection: collection,
		query:      q,
		fn:         fn,
		feed:       f,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if _, ok := f.subs[collection]; !ok {
		f.subs[collection] = make(map[*Subscription]struct{})
	}
	f.subs[collection][sub] = struct{}{}
	f.mu.Unlock()

	sub.signal()
	go sub.run()
	return sub, nil
}

func (f *feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subs, ok := f.subs[sub.collection]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(f.subs, sub.collection)
		}
	}
}

// changed marks every subscription on collection as stale. It never
// blocks on subscribers.
func (f *feed) changed(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[collection] {
		sub.signal()
	}
}

func (f *feed) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[collection])
}

func (f *feed) close() {
	f.mu.Lock()
	f.closed = true
	var all []*Subscription
	for _, subs := range f.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range all {
		inDelivery := sub.inDelivery.Load()
		sub.Unsubscribe()
		if !inDelivery {
			<-sub.Done()
		}
	}
}

// Subscription is a live query. Snapshots are delivered one at a time, in
// order, from a goroutine owned by the subscription; bursts of changes
// that arrive while a snapshot is being computed collapse into one
// refresh.
type Subscription struct {
	collection string
	query      Query
	fn         SnapshotFunc
	feed       *feed

	wake chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	deliverMu  sync.Mutex
	stopped    atomic.Bool
	inDelivery atomic.Bool
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.feed.remove(s)
	defer s.stopped.Store(true)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		docs, err := s.feed.query(s.ctx, s.collection, s.query)
		if s.ctx.Err() != nil {
			return
		}
		s.deliver(docs, err)
	}
}

func (s *Subscription) deliver(docs []Document, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.stopped.Load() {
		return
	}
	s.inDelivery.Store(true)
	defer s.inDelivery.Store(false)
	s.fn(docs, err)
}

// Unsubscribe stops the subscription. It is idempotent, and once it
// returns no further delivery starts. It may be called from inside the
// SnapshotFunc, in which case the running delivery is the last one.
// Otherwise it waits for a delivery that has not yet entered the
// SnapshotFunc.
func (s *Subscription) Unsubscribe() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()
	s.feed.remove(s)
	if s.inDelivery.Load() {
		return
	}
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
