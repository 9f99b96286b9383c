package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects are keyed by conversation so consumers could narrow later;
// today every node subscribes to the wildcard.
const (
	persistedSubjectPrefix   = "veil.conv."
	persistedSubjectSuffix   = ".persisted"
	persistedSubjectWildcard = "veil.conv.*.persisted"
)

// NATSBus carries PersistedEvents between nodes over core NATS.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSBus(url string, logger zerolog.Logger) (*NATSBus, error) {
	b := &NATSBus{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.PingInterval(25 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return b, nil
}

func (b *NATSBus) PublishPersisted(ctx context.Context, ev PersistedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := persistedSubjectPrefix + ev.Message.ConversationID.String() + persistedSubjectSuffix
	return b.conn.Publish(subject, payload)
}

func (b *NATSBus) SubscribePersisted(handler func(PersistedEvent)) (func(), error) {
	sub, err := b.conn.Subscribe(persistedSubjectWildcard, func(msg *nats.Msg) {
		var ev PersistedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			// A malformed peer event must never take the subscriber down.
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping undecodable persisted event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", persistedSubjectWildcard, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) Close() error {
	b.conn.Drain()
	return nil
}
