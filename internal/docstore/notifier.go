package docstore

import (
	"context"
	"sync"
)

// Notifier carries "collection changed" signals from writers to the
// feeds that hold live subscriptions.
type Notifier interface {
	Notify(ctx context.Context, collection string, ids ...string) error
	// Listen registers fn for every change notification. The returned
	// func removes it.
	Listen(fn func(collection string)) (stop func())
	Close() error
}

// LocalNotifier delivers notifications inside the current process only.
type LocalNotifier struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]func(string)
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{listeners: make(map[int]func(string))}
}

func (n *LocalNotifier) Notify(_ context.Context, collection string, _ ...string) error {
	n.mu.RLock()
	fns := make([]func(string), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(collection)
	}
	return nil
}

func (n *LocalNotifier) Listen(fn func(collection string)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *LocalNotifier) Close() error {
	n.mu.Lock()
	n.listeners = make(map[int]func(string))
	n.mu.Unlock()
	return nil
}
