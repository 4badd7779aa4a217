package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-vault/internal/apperrors"
	"chat-vault/internal/cipher"
	"chat-vault/internal/conversation"
	"chat-vault/internal/docstore"
	"chat-vault/internal/models"
	"chat-vault/internal/observability"
)

const (
	ChatsCollection = "chats"

	// MaxMessageLength is counted in runes.
	MaxMessageLength = 4096

	messageEventsKey = "chat_events.messages"
	readEventsKey    = "chat_events.reads"
)

var tracer = otel.Tracer("chat-vault/repositories")

// MessageCipher seals message bodies for one conversation.
type MessageCipher interface {
	Encrypt(conversationID, plaintext string) (string, error)
	Decrypt(conversationID, ciphertext string) (string, error)
}

// ConversationStore maps conversation operations onto the document store.
type ConversationStore interface {
	SendMessage(ctx context.Context, sender models.Principal, recipientID, plaintext string) (models.Message, error)
	SubscribeThread(ctx context.Context, a, b string, fn func(models.ThreadSnapshot)) (unsubscribe func(), err error)
	ThreadMessages(ctx context.Context, a, b string, limit int) ([]models.Message, error)
	MarkThreadRead(ctx context.Context, a, b, viewerID string) (int, error)
	Counterparts(ctx context.Context, principalID string) ([]string, error)
	LatestMessage(ctx context.Context, a, b string) (*models.Message, error)
}

// MessageRepo is the document store implementation of ConversationStore.
type MessageRepo struct {
	store  docstore.Store
	cipher MessageCipher
	now    func() time.Time
	newID  func() (uuid.UUID, error)
}

var _ ConversationStore = (*MessageRepo)(nil)

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(store docstore.Store, c MessageCipher) *MessageRepo {
	return &MessageRepo{
		store:  store,
		cipher: c,
		now:    time.Now,
		newID:  uuid.NewV7,
	}
}

// SendMessage encrypts plaintext for the conversation between sender and
// recipient and appends it to the chats collection.
func (r *MessageRepo) SendMessage(ctx context.Context, sender models.Principal, recipientID, plaintext string) (models.Message, error) {
	if !conversation.ValidParticipantID(sender.ID) || !conversation.ValidParticipantID(recipientID) {
		return models.Message{}, apperrors.ErrInvalidParticipant
	}
	if strings.TrimSpace(plaintext) == "" {
		return models.Message{}, apperrors.ErrEmptyMessage
	}
	if utf8.RuneCountInString(plaintext) > MaxMessageLength {
		return models.Message{}, apperrors.ErrMessageTooLong
	}

	cid := conversation.DeriveID(sender.ID, recipientID)
	ctx, span := startSpan(ctx, "messages.send", cid)
	defer span.End()

	ciphertext, err := r.cipher.Encrypt(cid, plaintext)
	if err != nil {
		return models.Message{}, failSpan(span, apperrors.Cipher("failed to encrypt message", err))
	}
	id, err := r.newID()
	if err != nil {
		return models.Message{}, failSpan(span, apperrors.Internal("failed to generate message id", err))
	}

	record := models.MessageRecord{
		ID:             id.String(),
		CreatedAt:      models.NewTimestamp(r.now()),
		Text:           ciphertext,
		User:           models.RecordUser{ID: sender.ID, Avatar: sender.Avatar()},
		Participants:   []string{sender.ID, recipientID},
		ConversationID: cid,
		IsRead:         false,
	}
	doc, err := docstore.Normalize(record)
	if err != nil {
		return models.Message{}, failSpan(span, apperrors.Internal("failed to encode message", err))
	}
	if err := r.store.Insert(ctx, ChatsCollection, record.ID, doc); err != nil {
		observability.IncStoreError("insert")
		return models.Message{}, failSpan(span, apperrors.Store("failed to store message", err))
	}
	observability.IncMessagesSent()

	msg := models.Message{
		ID:             record.ID,
		ConversationID: cid,
		SenderID:       sender.ID,
		SenderAvatar:   record.User.Avatar,
		Participants:   record.Participants,
		Text:           plaintext,
		IsRead:         false,
		CreatedAt:      record.CreatedAt.Time,
	}
	publishDomainEvent(ctx, messageEventsKey, "message_sent", map[string]interface{}{
		"conversation_id": cid,
		"message_id":      msg.ID,
		"sender_id":       sender.ID,
		"recipient_id":    recipientID,
		"created_at":      record.CreatedAt.String(),
	})
	return msg, nil
}

// SubscribeThread pushes the newest-first, decrypted thread between a and b
// to fn on every change. Store failures arrive as a snapshot with Err set.
// The returned func is idempotent and may be called from inside fn; once
// it returns fn is not called again.
func (r *MessageRepo) SubscribeThread(ctx context.Context, a, b string, fn func(models.ThreadSnapshot)) (func(), error) {
	if !conversation.ValidParticipantID(a) || !conversation.ValidParticipantID(b) {
		return nil, apperrors.ErrInvalidParticipant
	}
	cid := conversation.DeriveID(a, b)

	sub, err := r.store.Subscribe(ctx, ChatsCollection, threadQuery(cid, 0), func(docs []docstore.Document, err error) {
		if err != nil {
			observability.IncStoreError("subscribe")
			log.Warn().Err(err).Str("conversation_id", cid).Msg("thread snapshot failed")
			fn(models.ThreadSnapshot{ConversationID: cid, Err: apperrors.Store("failed to load messages", err)})
			return
		}
		fn(models.ThreadSnapshot{ConversationID: cid, Messages: r.decodeMessages(docs)})
	})
	if err != nil {
		observability.IncStoreError("subscribe")
		return nil, apperrors.Store("failed to subscribe to thread", err)
	}
	return sub.Unsubscribe, nil
}

// ThreadMessages is a one-shot read of the thread, newest first. A limit of
// zero returns every message.
func (r *MessageRepo) ThreadMessages(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	if !conversation.ValidParticipantID(a) || !conversation.ValidParticipantID(b) {
		return nil, apperrors.ErrInvalidParticipant
	}
	if limit < 0 {
		limit = 0
	}
	cid := conversation.DeriveID(a, b)
	ctx, span := startSpan(ctx, "messages.thread", cid)
	defer span.End()

	docs, err := r.store.Query(ctx, ChatsCollection, threadQuery(cid, limit))
	if err != nil {
		observability.IncStoreError("query")
		return nil, failSpan(span, apperrors.Store("failed to load messages", err))
	}
	return r.decodeMessages(docs), nil
}

// MarkThreadRead flips isRead on every unread message the counterpart sent
// to viewerID. The batch is not transactional; re-running it picks up
// whatever a failed run left behind. It returns how many messages were
// flipped.
func (r *MessageRepo) MarkThreadRead(ctx context.Context, a, b, viewerID string) (int, error) {
	if !conversation.ValidParticipantID(a) || !conversation.ValidParticipantID(b) {
		return 0, apperrors.ErrInvalidParticipant
	}
	counterpart, ok := conversation.Counterpart(a, b, viewerID)
	if !ok {
		return 0, apperrors.ErrNotParticipant
	}
	cid := conversation.DeriveID(a, b)
	ctx, span := startSpan(ctx, "messages.mark_read", cid)
	defer span.End()

	docs, err := r.store.Query(ctx, ChatsCollection, docstore.Query{Filters: []docstore.Filter{
		docstore.Where("conversationId", docstore.OpEqual, cid),
		docstore.Where("user._id", docstore.OpEqual, counterpart),
		docstore.Where("isRead", docstore.OpEqual, false),
	}})
	if err != nil {
		observability.IncStoreError("query")
		return 0, failSpan(span, apperrors.Store("failed to load unread messages", err))
	}

	updated := 0
	for _, doc := range docs {
		record, err := decodeRecord(doc)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", cid).Msg("skipping malformed message record")
			continue
		}
		if err := r.store.Update(ctx, ChatsCollection, record.ID, docstore.Document{"isRead": true}); err != nil {
			observability.IncStoreError("update")
			observability.AddReadMarked(updated)
			return updated, failSpan(span, apperrors.Store("failed to mark messages read", err))
		}
		updated++
	}
	observability.AddReadMarked(updated)
	span.SetAttributes(attribute.Int("messages.updated", updated))

	if updated > 0 {
		publishDomainEvent(ctx, readEventsKey, "thread_read", map[string]interface{}{
			"conversation_id": cid,
			"reader_id":       viewerID,
			"updated":         updated,
		})
	}
	return updated, nil
}

// Counterparts lists, in ascending order, every id that shares a
// conversation with principalID. The principal's own self-conversation is
// not a counterpart.
func (r *MessageRepo) Counterparts(ctx context.Context, principalID string) ([]string, error) {
	if !conversation.ValidParticipantID(principalID) {
		return nil, apperrors.ErrInvalidParticipant
	}
	ctx, span := startSpan(ctx, "messages.counterparts", "")
	defer span.End()

	docs, err := r.store.Query(ctx, ChatsCollection, docstore.Query{Filters: []docstore.Filter{
		docstore.Where("participants", docstore.OpArrayContains, principalID),
	}})
	if err != nil {
		observability.IncStoreError("query")
		return nil, failSpan(span, apperrors.Store("failed to load conversations", err))
	}

	seen := make(map[string]struct{})
	for _, doc := range docs {
		record, err := decodeRecord(doc)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed message record")
			continue
		}
		for _, id := range record.Participants {
			if id != principalID {
				seen[id] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// LatestMessage returns the newest message between a and b, or nil when
// they have none.
func (r *MessageRepo) LatestMessage(ctx context.Context, a, b string) (*models.Message, error) {
	msgs, err := r.ThreadMessages(ctx, a, b, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func threadQuery(cid string, limit int) docstore.Query {
	return docstore.Query{
		Filters: []docstore.Filter{docstore.Where("conversationId", docstore.OpEqual, cid)},
		OrderBy: docstore.OrderBy("createdAt", true),
		Limit:   limit,
	}
}

var errMalformedRecord = errors.New("malformed message record")

// decodeRecord parses a chats document and checks that its conversation
// id matches its participants.
func decodeRecord(doc docstore.Document) (models.MessageRecord, error) {
	var record models.MessageRecord
	if err := docstore.Decode(doc, &record); err != nil {
		return models.MessageRecord{}, fmt.Errorf("%w: %v", errMalformedRecord, err)
	}
	switch {
	case record.ID == "":
		return models.MessageRecord{}, fmt.Errorf("%w: missing _id", errMalformedRecord)
	case len(record.Participants) != 2:
		return models.MessageRecord{}, fmt.Errorf("%w: %s has %d participants", errMalformedRecord, record.ID, len(record.Participants))
	case record.User.ID == "":
		return models.MessageRecord{}, fmt.Errorf("%w: %s has no sender", errMalformedRecord, record.ID)
	case record.CreatedAt.IsZero():
		return models.MessageRecord{}, fmt.Errorf("%w: %s has no createdAt", errMalformedRecord, record.ID)
	case record.ConversationID != conversation.DeriveID(record.Participants[0], record.Participants[1]):
		return models.MessageRecord{}, fmt.Errorf("%w: %s conversation id does not match participants", errMalformedRecord, record.ID)
	}
	return record, nil
}

func (r *MessageRepo) decodeMessages(docs []docstore.Document) []models.Message {
	out := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		record, err := decodeRecord(doc)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed message record")
			continue
		}
		out = append(out, r.open(record))
	}
	return out
}

// open decrypts a record. A body that cannot be decrypted is reported
// through Undecryptable, never as an empty message.
func (r *MessageRepo) open(record models.MessageRecord) models.Message {
	msg := models.Message{
		ID:             record.ID,
		ConversationID: record.ConversationID,
		SenderID:       record.User.ID,
		SenderAvatar:   record.User.Avatar,
		Participants:   record.Participants,
		IsRead:         record.IsRead,
		CreatedAt:      record.CreatedAt.Time,
	}
	text, err := r.cipher.Decrypt(record.ConversationID, record.Text)
	if err != nil {
		reason := cipher.Reason(err)
		observability.IncMessageUndecryptable(reason)
		log.Warn().Str("message_id", record.ID).Str("conversation_id", record.ConversationID).Str("reason", reason).Msg("message body cannot be decrypted")
		msg.Undecryptable = true
		return msg
	}
	msg.Text = text
	return msg
}

func startSpan(ctx context.Context, name, cid string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	if cid != "" {
		span.SetAttributes(attribute.String("conversation.id", cid))
	}
	return ctx, span
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperrors.MessageOf(err, "error"))
	return err
}

func publishDomainEvent(ctx context.Context, routingKey, name string, payload map[string]interface{}) {
	headers := observability.BuildHeaders("", observability.TraceIDFromContext(ctx))
	err := observability.PublishEvent(ctx, routingKey, observability.EventEnvelope{
		EventType: "chat_events",
		EventName: name,
		Payload:   payload,
	}, headers)
	if err != nil {
		log.Debug().Err(err).Str("routing_key", routingKey).Msg("domain event not published")
	}
}
