package repositories

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/docstore"
	"chat-vault/internal/models"
	"chat-vault/internal/observability"
)

const (
	UsersCollection = "users"

	// profileBatchSize caps the values of one "in" filter.
	profileBatchSize = 30
)

// ProfileRepository stores user profiles keyed by uid.
type ProfileRepository interface {
	CreateProfile(ctx context.Context, profile models.UserProfile) error
	GetProfile(ctx context.Context, uid string) (models.UserProfile, error)
	GetProfiles(ctx context.Context, uids []string) (map[string]models.UserProfile, error)
	FindByUsername(ctx context.Context, username string) (models.UserProfile, error)
	SearchByUsername(ctx context.Context, query, excludeUID string, limit int) ([]models.UserProfile, error)
	UpdateUsername(ctx context.Context, uid, username string) error
	UpdateAvatar(ctx context.Context, uid string, avatar *string) error
}

// UserRepo is the document store implementation of ProfileRepository.
type UserRepo struct {
	store docstore.Store
}

var _ ProfileRepository = (*UserRepo)(nil)

// NewUserRepo constructs UserRepo.
func NewUserRepo(store docstore.Store) *UserRepo {
	return &UserRepo{store: store}
}

// CreateProfile inserts a new profile. Username uniqueness is the caller's
// check; a backend unique index rejecting it surfaces as ErrUsernameTaken.
func (r *UserRepo) CreateProfile(ctx context.Context, profile models.UserProfile) error {
	doc, err := docstore.Normalize(profile)
	if err != nil {
		return apperrors.Internal("failed to encode profile", err)
	}
	if err := r.store.Insert(ctx, UsersCollection, profile.UID, doc); err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return apperrors.ErrUsernameTaken
		}
		observability.IncStoreError("insert")
		return apperrors.Store("failed to create profile", err)
	}
	return nil
}

// GetProfile loads one profile.
func (r *UserRepo) GetProfile(ctx context.Context, uid string) (models.UserProfile, error) {
	doc, err := r.store.Get(ctx, UsersCollection, uid)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.UserProfile{}, apperrors.ErrUserNotFound
	}
	if err != nil {
		observability.IncStoreError("get")
		return models.UserProfile{}, apperrors.Store("failed to load profile", err)
	}
	return decodeProfile(doc)
}

// GetProfiles loads many profiles with batched "in" queries. Unknown uids
// are absent from the result.
func (r *UserRepo) GetProfiles(ctx context.Context, uids []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(uids))
	for start := 0; start < len(uids); start += profileBatchSize {
		end := start + profileBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		docs, err := r.store.Query(ctx, UsersCollection, docstore.Query{Filters: []docstore.Filter{
			docstore.Where("uid", docstore.OpIn, uids[start:end]),
		}})
		if err != nil {
			observability.IncStoreError("query")
			return nil, apperrors.Store("failed to load profiles", err)
		}
		for _, doc := range docs {
			profile, err := decodeProfile(doc)
			if err != nil {
				log.Warn().Err(err).Msg("skipping malformed profile")
				continue
			}
			out[profile.UID] = profile
		}
	}
	return out, nil
}

// FindByUsername looks a profile up by its exact (lowercase) username.
func (r *UserRepo) FindByUsername(ctx context.Context, username string) (models.UserProfile, error) {
	docs, err := r.store.Query(ctx, UsersCollection, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("username", docstore.OpEqual, strings.ToLower(username))},
		Limit:   1,
	})
	if err != nil {
		observability.IncStoreError("query")
		return models.UserProfile{}, apperrors.Store("failed to look up username", err)
	}
	if len(docs) == 0 {
		return models.UserProfile{}, apperrors.ErrUserNotFound
	}
	return decodeProfile(docs[0])
}

// SearchByUsername returns profiles whose username contains query, in
// username order, leaving out excludeUID.
func (r *UserRepo) SearchByUsername(ctx context.Context, query, excludeUID string, limit int) ([]models.UserProfile, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	q := docstore.Query{OrderBy: docstore.OrderBy("username", false)}
	if excludeUID != "" {
		q.Filters = append(q.Filters, docstore.Where("uid", docstore.OpNotEqual, excludeUID))
	}
	docs, err := r.store.Query(ctx, UsersCollection, q)
	if err != nil {
		observability.IncStoreError("query")
		return nil, apperrors.Store("failed to search users", err)
	}

	out := make([]models.UserProfile, 0)
	for _, doc := range docs {
		profile, err := decodeProfile(doc)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed profile")
			continue
		}
		if !strings.Contains(profile.Username, query) {
			continue
		}
		out = append(out, profile)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *UserRepo) UpdateUsername(ctx context.Context, uid, username string) error {
	return r.update(ctx, uid, docstore.Document{"username": username})
}

// UpdateAvatar sets the avatar, or clears it when avatar is nil.
func (r *UserRepo) UpdateAvatar(ctx context.Context, uid string, avatar *string) error {
	var value any
	if avatar != nil {
		value = *avatar
	}
	return r.update(ctx, uid, docstore.Document{"avatar": value})
}

func (r *UserRepo) update(ctx context.Context, uid string, fields docstore.Document) error {
	err := r.store.Update(ctx, UsersCollection, uid, fields)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		return apperrors.ErrUserNotFound
	case errors.Is(err, docstore.ErrAlreadyExists):
		return apperrors.ErrUsernameTaken
	default:
		observability.IncStoreError("update")
		return apperrors.Store("failed to update profile", err)
	}
}

func decodeProfile(doc docstore.Document) (models.UserProfile, error) {
	var profile models.UserProfile
	if err := docstore.Decode(doc, &profile); err != nil {
		return models.UserProfile{}, apperrors.Store("malformed profile", err)
	}
	if profile.UID == "" {
		return models.UserProfile{}, apperrors.Store("malformed profile", errors.New("missing uid"))
	}
	return profile, nil
}
