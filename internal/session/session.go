// Package session tracks the current principal of each open client
// session and keeps it in step with identity changes.
package session

import (
	"context"
	"sync"

	"chat-vault/internal/identity"
	"chat-vault/internal/models"
)

// Provider is the part of the identity provider the resolver needs.
type Provider interface {
	Resolve(ctx context.Context, token string) (models.Principal, error)
	OnPrincipalChange(fn func(identity.PrincipalChange)) func()
}

// ChangeFunc receives the new principal, or ok=false once the session has
// been signed out.
type ChangeFunc func(principal models.Principal, ok bool)

// Resolver holds a single provider subscription and fans changes out to
// the live sessions of the affected user.
type Resolver struct {
	provider Provider
	stop     func()

	mu    sync.Mutex
	byUID map[string]map[*Session]struct{}
}

func NewResolver(provider Provider) *Resolver {
	r := &Resolver{
		provider: provider,
		byUID:    make(map[string]map[*Session]struct{}),
	}
	r.stop = provider.OnPrincipalChange(r.handle)
	return r
}

// Open resolves token and registers a live session for it.
func (r *Resolver) Open(ctx context.Context, token string) (*Session, error) {
	principal, err := r.provider.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	s := &Session{
		resolver:  r,
		tokenID:   identity.TokenID(token),
		principal: principal,
		active:    true,
		listeners: make(map[uint64]ChangeFunc),
	}

	r.mu.Lock()
	set, ok := r.byUID[principal.ID]
	if !ok {
		set = make(map[*Session]struct{})
		r.byUID[principal.ID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	return s, nil
}

// Close drops the provider subscription. Open sessions keep their last
// principal.
func (r *Resolver) Close() {
	r.stop()
}

func (r *Resolver) handle(change identity.PrincipalChange) {
	r.mu.Lock()
	var targets []*Session
	for s := range r.byUID[change.UID] {
		if change.Kind == identity.ChangeSignedOut && s.tokenID != change.TokenID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		switch change.Kind {
		case identity.ChangeSignedOut:
			r.forget(s)
			s.set(models.Principal{}, false)
		case identity.ChangeUpdated:
			s.set(change.Principal, true)
		}
	}
}

func (r *Resolver) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid := s.uid()
	set := r.byUID[uid]
	delete(set, s)
	if len(set) == 0 {
		delete(r.byUID, uid)
	}
}

func (r *Resolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.byUID {
		n += len(set)
	}
	return n
}

// Session is one signed-in client. It is safe for concurrent use.
type Session struct {
	resolver *Resolver
	tokenID  string

	mu        sync.RWMutex
	principal models.Principal
	active    bool
	closed    bool
	listeners map[uint64]ChangeFunc
	nextID    uint64
}

// Current returns the principal, or ok=false after sign-out.
func (s *Session) Current() (models.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return models.Principal{}, false
	}
	return s.principal, true
}

// OnChange registers fn for later changes of this session. The returned
// func removes it and may be called more than once.
func (s *Session) OnChange(fn ChangeFunc) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close detaches the session from the resolver and drops its listeners.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listeners = map[uint64]ChangeFunc{}
	s.mu.Unlock()

	s.resolver.forget(s)
}

func (s *Session) uid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal.ID
}

func (s *Session) set(principal models.Principal, active bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if active {
		s.principal = principal
	}
	s.active = active
	fns := make([]ChangeFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(principal, active)
	}
}
