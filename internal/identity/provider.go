// Package identity signs users up and in, issues bearer session tokens and
// announces principal changes to the rest of the service.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/docstore"
	"chat-vault/internal/models"
	"chat-vault/internal/observability"
	"chat-vault/internal/repositories"
)

const (
	CredentialsCollection = "credentials"
	SessionsCollection    = "sessions"
	// UsernamesCollection holds one claim per username, keyed by the
	// username. Inserting the claim is what reserves the name.
	UsernamesCollection = "usernames"

	DefaultSessionTTL = 30 * 24 * time.Hour

	tokenBytes = 32
)

type ChangeKind string

const (
	ChangeUpdated   ChangeKind = "updated"
	ChangeSignedOut ChangeKind = "signed_out"
)

// PrincipalChange is announced after a profile update or a sign-out.
// TokenID is set for sign-outs, Principal for updates.
type PrincipalChange struct {
	Kind      ChangeKind
	UID       string
	TokenID   string
	Principal models.Principal
}

type SignUpRequest struct {
	Email           string
	Password        string
	ConfirmPassword string
	Username        string
	DateOfBirth     time.Time
}

type Config struct {
	SessionTTL time.Duration
	Password   PasswordParams
}

type credentialRecord struct {
	UID          string           `json:"uid"`
	Email        string           `json:"email"`
	PasswordHash string           `json:"passwordHash"`
	CreatedAt    models.Timestamp `json:"createdAt"`
}

type usernameClaim struct {
	UID       string           `json:"uid"`
	CreatedAt models.Timestamp `json:"createdAt"`
}

type sessionRecord struct {
	UID       string           `json:"uid"`
	ExpiresAt models.Timestamp `json:"expiresAt"`
	CreatedAt models.Timestamp `json:"createdAt"`
}

// Provider is the document store backed identity provider.
type Provider struct {
	store    docstore.Store
	profiles repositories.ProfileRepository
	ttl      time.Duration
	params   PasswordParams

	now    func() time.Time
	random io.Reader

	mu        sync.RWMutex
	listeners map[uint64]func(PrincipalChange)
	nextID    uint64
}

func NewProvider(store docstore.Store, profiles repositories.ProfileRepository, cfg Config) *Provider {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Password == (PasswordParams{}) {
		cfg.Password = DefaultPasswordParams
	}
	return &Provider{
		store:     store,
		profiles:  profiles,
		ttl:       cfg.SessionTTL,
		params:    cfg.Password,
		now:       time.Now,
		random:    rand.Reader,
		listeners: make(map[uint64]func(PrincipalChange)),
	}
}

// TokenID is the storage key of a bearer token. Raw tokens are never
// persisted.
func TokenID(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SignUp validates the request, creates credentials and a profile, and
// opens a first session.
func (p *Provider) SignUp(ctx context.Context, req SignUpRequest) (string, models.Principal, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return "", models.Principal{}, err
	}
	if err := validatePassword(req.Password, req.ConfirmPassword); err != nil {
		return "", models.Principal{}, err
	}
	username, err := NormalizeUsername(req.Username)
	if err != nil {
		return "", models.Principal{}, err
	}
	if err := validateAge(req.DateOfBirth, p.now()); err != nil {
		return "", models.Principal{}, err
	}

	hash, err := hashPassword(req.Password, p.params, p.random)
	if err != nil {
		return "", models.Principal{}, apperrors.Internal("failed to hash password", err)
	}

	uid := uuid.NewString()
	if err := p.claimUsername(ctx, username, uid); err != nil {
		return "", models.Principal{}, err
	}

	now := models.NewTimestamp(p.now())
	cred, err := docstore.Normalize(credentialRecord{UID: uid, Email: email, PasswordHash: hash, CreatedAt: now})
	if err != nil {
		p.releaseUsername(ctx, username, uid)
		return "", models.Principal{}, apperrors.Internal("failed to encode credentials", err)
	}
	if err := p.store.Insert(ctx, CredentialsCollection, email, cred); err != nil {
		p.releaseUsername(ctx, username, uid)
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return "", models.Principal{}, apperrors.ErrEmailTaken
		}
		observability.IncStoreError("insert")
		return "", models.Principal{}, apperrors.Store("failed to create account", err)
	}

	profile := models.UserProfile{UID: uid, Email: email, Username: username, CreatedAt: now}
	if err := p.profiles.CreateProfile(ctx, profile); err != nil {
		if delErr := p.store.Delete(ctx, CredentialsCollection, email); delErr != nil {
			log.Error().Err(delErr).Str("uid", uid).Msg("failed to remove credentials after profile error")
		}
		p.releaseUsername(ctx, username, uid)
		return "", models.Principal{}, err
	}

	token, err := p.issueSession(ctx, uid)
	if err != nil {
		return "", models.Principal{}, err
	}
	log.Info().Str("uid", uid).Msg("user signed up")
	return token, profile.Principal(), nil
}

// SignIn checks credentials and opens a session. Every failure to match
// an account reports ErrInvalidCredentials.
func (p *Provider) SignIn(ctx context.Context, email, password string) (string, models.Principal, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", models.Principal{}, apperrors.ErrInvalidCredentials
	}

	doc, err := p.store.Get(ctx, CredentialsCollection, email)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", models.Principal{}, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		observability.IncStoreError("get")
		return "", models.Principal{}, apperrors.Store("failed to load credentials", err)
	}
	var cred credentialRecord
	if err := docstore.Decode(doc, &cred); err != nil {
		return "", models.Principal{}, apperrors.Store("malformed credentials", err)
	}

	ok, err := verifyPassword(cred.PasswordHash, password)
	if err != nil {
		log.Error().Err(err).Str("uid", cred.UID).Msg("stored password hash is unusable")
		return "", models.Principal{}, apperrors.ErrInvalidCredentials
	}
	if !ok {
		return "", models.Principal{}, apperrors.ErrInvalidCredentials
	}

	profile, err := p.profiles.GetProfile(ctx, cred.UID)
	if err != nil {
		return "", models.Principal{}, err
	}
	token, err := p.issueSession(ctx, cred.UID)
	if err != nil {
		return "", models.Principal{}, err
	}
	return token, profile.Principal(), nil
}

// Resolve returns the principal behind a live session token.
func (p *Provider) Resolve(ctx context.Context, token string) (models.Principal, error) {
	if token == "" {
		return models.Principal{}, apperrors.ErrInvalidToken
	}
	id := TokenID(token)
	sess, err := p.loadSession(ctx, id)
	if err != nil {
		return models.Principal{}, err
	}
	if !p.now().Before(sess.ExpiresAt.Time) {
		if err := p.store.Delete(ctx, SessionsCollection, id); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			log.Warn().Err(err).Msg("failed to remove expired session")
		}
		return models.Principal{}, apperrors.ErrInvalidToken
	}

	profile, err := p.profiles.GetProfile(ctx, sess.UID)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return models.Principal{}, apperrors.ErrInvalidToken
	}
	if err != nil {
		return models.Principal{}, err
	}
	return profile.Principal(), nil
}

// SignOut ends the session of token and announces it.
func (p *Provider) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return apperrors.ErrInvalidToken
	}
	id := TokenID(token)
	sess, err := p.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, SessionsCollection, id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return apperrors.ErrInvalidToken
		}
		observability.IncStoreError("delete")
		return apperrors.Store("failed to end session", err)
	}
	p.emit(PrincipalChange{Kind: ChangeSignedOut, UID: sess.UID, TokenID: id})
	return nil
}

func (p *Provider) UpdateUsername(ctx context.Context, uid, username string) (models.Principal, error) {
	username, err := NormalizeUsername(username)
	if err != nil {
		return models.Principal{}, err
	}
	current, err := p.profiles.GetProfile(ctx, uid)
	if err != nil {
		return models.Principal{}, err
	}
	if err := p.claimUsername(ctx, username, uid); err != nil {
		return models.Principal{}, err
	}
	if err := p.profiles.UpdateUsername(ctx, uid, username); err != nil {
		if username != current.Username {
			p.releaseUsername(ctx, username, uid)
		}
		return models.Principal{}, err
	}
	if current.Username != username {
		p.releaseUsername(ctx, current.Username, uid)
	}
	return p.announceUpdate(ctx, uid)
}

// UpdateAvatar sets the avatar of uid. An empty avatar clears it.
func (p *Provider) UpdateAvatar(ctx context.Context, uid, avatar string) (models.Principal, error) {
	value, err := NormalizeAvatar(avatar)
	if err != nil {
		return models.Principal{}, err
	}
	if err := p.profiles.UpdateAvatar(ctx, uid, value); err != nil {
		return models.Principal{}, err
	}
	return p.announceUpdate(ctx, uid)
}

// OnPrincipalChange registers fn for every later change. Callbacks run on
// the goroutine that made the change. The returned func removes fn.
func (p *Provider) OnPrincipalChange(fn func(PrincipalChange)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Provider) emit(change PrincipalChange) {
	p.mu.RLock()
	fns := make([]func(PrincipalChange), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (p *Provider) announceUpdate(ctx context.Context, uid string) (models.Principal, error) {
	profile, err := p.profiles.GetProfile(ctx, uid)
	if err != nil {
		return models.Principal{}, err
	}
	principal := profile.Principal()
	p.emit(PrincipalChange{Kind: ChangeUpdated, UID: uid, Principal: principal})
	return principal, nil
}

// claimUsername reserves username for uid. Two concurrent claims of the
// same name race on one insert, so at most one wins on every store
// driver. A profile that holds the name without a claim still blocks it.
func (p *Provider) claimUsername(ctx context.Context, username, uid string) error {
	existing, err := p.profiles.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
	case err != nil:
		return err
	case existing.UID != uid:
		return apperrors.ErrUsernameTaken
	}

	doc, err := docstore.Normalize(usernameClaim{UID: uid, CreatedAt: models.NewTimestamp(p.now())})
	if err != nil {
		return apperrors.Internal("failed to encode username claim", err)
	}
	err = p.store.Insert(ctx, UsernamesCollection, username, doc)
	if err == nil {
		return nil
	}
	if !errors.Is(err, docstore.ErrAlreadyExists) {
		observability.IncStoreError("insert")
		return apperrors.Store("failed to claim username", err)
	}

	held, err := p.store.Get(ctx, UsernamesCollection, username)
	if err != nil {
		observability.IncStoreError("get")
		return apperrors.Store("failed to load username claim", err)
	}
	var claim usernameClaim
	if err := docstore.Decode(held, &claim); err != nil || claim.UID != uid {
		return apperrors.ErrUsernameTaken
	}
	return nil
}

func (p *Provider) releaseUsername(ctx context.Context, username, uid string) {
	err := p.store.Delete(ctx, UsernamesCollection, username)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		observability.IncStoreError("delete")
		log.Error().Err(err).Str("uid", uid).Str("username", username).Msg("failed to release username claim")
	}
}

func (p *Provider) issueSession(ctx context.Context, uid string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(p.random, raw); err != nil {
		return "", apperrors.Internal("failed to generate session token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := p.now()
	doc, err := docstore.Normalize(sessionRecord{
		UID:       uid,
		ExpiresAt: models.NewTimestamp(now.Add(p.ttl)),
		CreatedAt: models.NewTimestamp(now),
	})
	if err != nil {
		return "", apperrors.Internal("failed to encode session", err)
	}
	if err := p.store.Insert(ctx, SessionsCollection, TokenID(token), doc); err != nil {
		observability.IncStoreError("insert")
		return "", apperrors.Store("failed to create session", err)
	}
	return token, nil
}

func (p *Provider) loadSession(ctx context.Context, id string) (sessionRecord, error) {
	doc, err := p.store.Get(ctx, SessionsCollection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return sessionRecord{}, apperrors.ErrInvalidToken
	}
	if err != nil {
		observability.IncStoreError("get")
		return sessionRecord{}, apperrors.Store("failed to load session", err)
	}
	var sess sessionRecord
	if err := docstore.Decode(doc, &sess); err != nil {
		return sessionRecord{}, apperrors.Store("malformed session", fmt.Errorf("session %s: %w", id[:8], err))
	}
	return sess, nil
}
