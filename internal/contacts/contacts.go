// Package contacts builds the contact list: every counterpart the
// principal has a conversation with, with the latest message of that
// conversation, most recent first.
//
// Aggregation loads the counterpart profiles in one batched lookup, then
// issues one latest-message query per counterpart. Callers only see Aggregator, so the lookups can later move
// to a denormalized index without changing them.
package contacts

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"chat-vault/internal/models"
	"chat-vault/internal/observability"
	"chat-vault/internal/repositories"
)

var errProfileMissing = errors.New("profile not found")

// SearchLimit caps the number of profiles a username search returns.
const SearchLimit = 20

// Directory is what aggregation needs to know about conversations and
// profiles.
type Directory interface {
	Counterparts(ctx context.Context, principalID string) ([]string, error)
	LatestMessage(ctx context.Context, a, b string) (*models.Message, error)
	GetProfiles(ctx context.Context, uids []string) (map[string]models.UserProfile, error)
}

// Searcher finds profiles by username.
type Searcher interface {
	SearchByUsername(ctx context.Context, query, excludeUID string, limit int) ([]models.UserProfile, error)
}

type directory struct {
	repositories.ConversationStore
	profiles repositories.ProfileRepository
}

func (d directory) GetProfiles(ctx context.Context, uids []string) (map[string]models.UserProfile, error) {
	return d.profiles.GetProfiles(ctx, uids)
}

// NewDirectory backs a Directory with the repositories.
func NewDirectory(conversations repositories.ConversationStore, profiles repositories.ProfileRepository) Directory {
	return directory{ConversationStore: conversations, profiles: profiles}
}

type Aggregator struct {
	dir    Directory
	search Searcher
}

func NewAggregator(dir Directory, search Searcher) *Aggregator {
	return &Aggregator{dir: dir, search: search}
}

// ListContacts returns the principal's contacts ordered by the time of the
// latest message, newest first; contacts without a message come last. A
// counterpart whose profile is missing or whose latest message cannot be
// loaded is left out instead of failing the whole list.
func (a *Aggregator) ListContacts(ctx context.Context, principalID string) ([]models.Contact, error) {
	ids, err := a.dir.Counterparts(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.Contact{}, nil
	}
	sort.Strings(ids)

	profiles, err := a.dir.GetProfiles(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.Contact, 0, len(ids))
	for _, id := range ids {
		profile, ok := profiles[id]
		if !ok {
			exclude(principalID, id, "profile", errProfileMissing)
			continue
		}
		contact, ok := a.withLatest(ctx, principalID, profile)
		if ok {
			out = append(out, contact)
		}
	}
	sortByRecency(out)
	return out, nil
}

// Search finds users whose username contains query, excluding the
// principal, with the same recency ordering as ListContacts. An empty
// query lists the principal's contacts.
func (a *Aggregator) Search(ctx context.Context, principalID, query string) ([]models.Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return a.ListContacts(ctx, principalID)
	}

	profiles, err := a.search.SearchByUsername(ctx, query, principalID, SearchLimit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Contact, 0, len(profiles))
	for _, profile := range profiles {
		contact, ok := a.withLatest(ctx, principalID, profile)
		if ok {
			out = append(out, contact)
		}
	}
	sortByRecency(out)
	return out, nil
}

func (a *Aggregator) withLatest(ctx context.Context, principalID string, profile models.UserProfile) (models.Contact, bool) {
	latest, err := a.dir.LatestMessage(ctx, principalID, profile.UID)
	if err != nil {
		exclude(principalID, profile.UID, "latest_message", err)
		return models.Contact{}, false
	}

	contact := models.Contact{Principal: profile.Principal()}
	if latest != nil {
		at := latest.CreatedAt
		contact.LastMessage = latest.Text
		contact.LastMessageAt = &at
		contact.LastMessageUndecryptable = latest.Undecryptable
		contact.LastMessageFromPrincipal = latest.SenderID == principalID
		contact.Unread = !contact.LastMessageFromPrincipal && !latest.IsRead
	}
	return contact, true
}

func exclude(principalID, counterpartID, step string, err error) {
	observability.IncContactsExcluded()
	log.Warn().Err(err).
		Str("principal_id", principalID).
		Str("counterpart_id", counterpartID).
		Str("step", step).
		Msg("contact excluded from list")
}

// sortByRecency is stable, so equal timestamps keep the incoming order.
func sortByRecency(contacts []models.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		a, b := contacts[i].LastMessageAt, contacts[j].LastMessageAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
