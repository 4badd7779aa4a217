package docstore

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubjectPrefix is prepended to the collection name to form the
// NATS subject of a change notification.
const DefaultSubjectPrefix = "docstore.changes."

// changeNotice is the NATS payload of a change notification.
type changeNotice struct {
	Collection string   `cbor:"1,keyasint"`
	IDs        []string `cbor:"2,keyasint,omitempty"`
	Origin     string   `cbor:"3,keyasint"`
	At         int64    `cbor:"4,keyasint"`
}

var (
	noticeEncMode cbor.EncMode
	noticeDecMode cbor.DecMode
)

func init() {
	var err error
	noticeEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("docstore: CBOR encoder initialization failed: " + err.Error())
	}
	noticeDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("docstore: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeNotice(n changeNotice) ([]byte, error) {
	return noticeEncMode.Marshal(n)
}

func decodeNotice(data []byte) (changeNotice, error) {
	var n changeNotice
	err := noticeDecMode.Unmarshal(data, &n)
	return n, err
}

// NATSConfig configures NATSNotifier.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSNotifier fans change notifications out to every service instance
// connected to the same NATS server. Local listeners are invoked directly
// on Notify; echoes of this instance's own notices are ignored.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	origin string
	local  *LocalNotifier
	sub    *nats.Subscription
}

func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	name := cfg.Name
	if name == "" {
		name = "chat-vault"
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = nats.DefaultMaxReconnect
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(wait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	n := &NATSNotifier{
		conn:   conn,
		prefix: prefix,
		origin: uuid.NewString(),
		local:  NewLocalNotifier(),
	}
	n.sub, err = conn.Subscribe(prefix+">", n.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s>: %w", prefix, err)
	}
	return n, nil
}

func (n *NATSNotifier) handle(msg *nats.Msg) {
	notice, err := decodeNotice(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable change notice")
		return
	}
	if notice.Origin == n.origin {
		return
	}
	_ = n.local.Notify(context.Background(), notice.Collection, notice.IDs...)
}

func (n *NATSNotifier) Notify(ctx context.Context, collection string, ids ...string) error {
	_ = n.local.Notify(ctx, collection, ids...)

	payload, err := encodeNotice(changeNotice{
		Collection: collection,
		IDs:        ids,
		Origin:     n.origin,
		At:         time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode change notice: %w", err)
	}
	if err := n.conn.Publish(n.prefix+collection, payload); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("nats publish failed")
	}
	return nil
}

func (n *NATSNotifier) Listen(fn func(collection string)) func() {
	return n.local.Listen(fn)
}

func (n *NATSNotifier) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	return n.local.Close()
}
