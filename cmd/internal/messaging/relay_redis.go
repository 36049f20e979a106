package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventRelay carries committed events between service instances so that a
// subscriber connected to one instance observes appends committed on another.
// A nil relay means single-instance operation: the Service publishes straight
// to its local Notifier.
type EventRelay interface {
	// Publish forwards a committed event to every instance, including the
	// publishing one.
	Publish(ctx context.Context, ev Event) error
	// Run consumes relayed events and feeds them to the sink until ctx ends.
	Run(ctx context.Context) error
	Close() error
}

// RedisRelay is an EventRelay on Redis pub/sub, one channel per conversation.
//
// Ordering: Redis delivers per-channel messages in publish order, and the
// Service serializes publishes per conversation, so commit order is preserved
// for a single conversation. Delivery is best effort across instances; a
// missed event surfaces to clients as a seq gap they reconcile via listSince.
type RedisRelay struct {
	log    *slog.Logger
	rdb    *redis.Client
	prefix string
	sink   func(Event)
}

// NewRedisRelay constructs a relay publishing under prefix (default
// "snippix:conv"). sink receives decoded events, typically Notifier.Publish.
func NewRedisRelay(log *slog.Logger, rdb *redis.Client, prefix string, sink func(Event)) (*RedisRelay, error) {
	if rdb == nil {
		return nil, errors.New("messaging: nil redis client")
	}
	if sink == nil {
		return nil, errors.New("messaging: nil relay sink")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "snippix:conv"
	}
	return &RedisRelay{log: log, rdb: rdb, prefix: prefix, sink: sink}, nil
}

// relayEnvelope is the relay wire form of the Event union.
type relayEnvelope struct {
	Kind    string         `json:"kind"` // "message" | "status"
	Message *Message       `json:"message,omitempty"`
	Status  *StatusChanged `json:"status,omitempty"`
}

// Publish forwards ev to the conversation's channel.
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	b, err := encodeRelayPayload(ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel(ev.Conversation()), b).Err()
}

// Run subscribes to all conversation channels and feeds decoded events to the
// sink. It blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, r.prefix+":*")
	defer func() { _ = sub.Close() }()

	ch := sub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("messaging: relay channel closed")
			}
			ev, err := decodeRelayPayload([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("relay.decode.fail", "channel", msg.Channel, "err", err)
				continue
			}
			r.sink(ev)
		}
	}
}

// Close tears down the underlying client connection.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}

func (r *RedisRelay) channel(conversationKey string) string {
	return r.prefix + ":" + conversationKey
}

func encodeRelayPayload(ev Event) ([]byte, error) {
	var env relayEnvelope
	switch e := ev.(type) {
	case MessageAppended:
		env = relayEnvelope{Kind: "message", Message: &e.Message}
	case StatusChanged:
		env = relayEnvelope{Kind: "status", Status: &e}
	default:
		return nil, fmt.Errorf("messaging: unknown event %T", ev)
	}
	return json.Marshal(env)
}

func decodeRelayPayload(b []byte) (Event, error) {
	var env relayEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case "message":
		if env.Message == nil {
			return nil, errors.New("relay message envelope without message")
		}
		return MessageAppended{Message: *env.Message}, nil
	case "status":
		if env.Status == nil {
			return nil, errors.New("relay status envelope without status")
		}
		return *env.Status, nil
	default:
		return nil, fmt.Errorf("unknown relay kind %q", env.Kind)
	}
}
