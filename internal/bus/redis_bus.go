// Package bus forwards clipboard relays between server instances over Redis
// pub/sub so devices of one room can be spread across instances.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultPrefix namespaces the per-room channels.
	DefaultPrefix = "clipsync:room:"

	publishTimeout = 2 * time.Second
)

// Message is the payload published for every relayed clipboard update.
type Message struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	From     string          `json:"from,omitempty"`
}

// Options configures the Redis connection.
type Options struct {
	Addr   string
	DB     int
	Prefix string
}

// RedisBus publishes local relays and delivers relays from other instances.
type RedisBus struct {
	rdb      *redis.Client
	prefix   string
	instance string
	log      zerolog.Logger
}

// NewRedisBus connects to Redis and verifies connectivity.
func NewRedisBus(ctx context.Context, opts Options, log zerolog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
		DB:   opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", opts.Addr)
	}
	return newRedisBus(rdb, opts.Prefix, log), nil
}

func newRedisBus(rdb *redis.Client, prefix string, log zerolog.Logger) *RedisBus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBus{
		rdb:      rdb,
		prefix:   prefix,
		instance: uuid.NewString(),
		log:      log,
	}
}

// Instance returns the id stamped on messages published by this bus.
func (b *RedisBus) Instance() string { return b.instance }

// Forward publishes a relay without blocking the caller for longer than the
// publish timeout. Failures are logged; relays are best effort.
func (b *RedisBus) Forward(room string, payload json.RawMessage, from string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.Publish(ctx, room, payload, from); err != nil {
		b.log.Warn().Err(err).Str("room", room).Msg("forwarding clipboard to redis failed")
	}
}

// Publish sends a relay to the room's channel.
func (b *RedisBus) Publish(ctx context.Context, room string, payload json.RawMessage, from string) error {
	raw, err := json.Marshal(Message{Instance: b.instance, Room: room, Payload: payload, From: from})
	if err != nil {
		return errors.Wrap(err, "encoding bus message")
	}
	return errors.Wrap(b.rdb.Publish(ctx, b.channel(room), raw).Err(), "publishing bus message")
}

// Subscribe listens on every room channel and calls deliver for messages
// published by other instances. It blocks until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, deliver func(Message)) error {
	pubsub := b.rdb.PSubscribe(ctx, b.channel("*"))
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "subscribing to redis")
	}
	b.log.Info().Str("pattern", b.channel("*")).Str("instance", b.instance).Msg("redis bus subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload, deliver)
		}
	}
}

// handle decodes one published message and reports whether it was delivered.
func (b *RedisBus) handle(raw string, deliver func(Message)) bool {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		b.log.Debug().Err(err).Msg("ignoring malformed bus message")
		return false
	}
	if m.Room == "" || m.Instance == b.instance {
		return false
	}
	deliver(m)
	return true
}

// Close shuts down the redis connection.
func (b *RedisBus) Close() error { return b.rdb.Close() }

func (b *RedisBus) channel(room string) string { return b.prefix + room }
