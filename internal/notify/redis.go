// Package notify delivers engine events to the outside world.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// ContentBlockedKind is the kind of messages asking the content store to lock an item.
const ContentBlockedKind = "content.blocked"

// Publisher sends one message on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

type redisPublisher struct {
	client *redis.Client
}

func (p redisPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// ContentBlock is published when an escalation blocks a content item.
type ContentBlock struct {
	Kind      string    `json:"kind"`
	ContentID string    `json:"content_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// RedisPublisher publishes events and content blocks as JSON on a Redis channel,
// behind a circuit breaker so a dead Redis fails fast instead of stalling transitions.
type RedisPublisher struct {
	pub     Publisher
	channel string
	breaker *gobreaker.CircuitBreaker
	logger  service.Logger
	now     func() time.Time
}

// Dial connects to Redis at addr and checks it answers.
func Dial(ctx context.Context, addr, channel string, logger service.Logger) (*RedisPublisher, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, errors.Wrapf(err, "connect to redis at %s", addr)
	}
	return NewRedisPublisher(redisPublisher{client: client}, channel, logger), client, nil
}

func NewRedisPublisher(pub Publisher, channel string, logger service.Logger) *RedisPublisher {
	settings := gobreaker.Settings{
		Name:        "redis-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Infof("Circuit breaker %s: %s -> %s", name, from, to)
		},
	}
	return &RedisPublisher{
		pub:     pub,
		channel: channel,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
		now:     time.Now,
	}
}

func (p *RedisPublisher) Notify(ctx context.Context, e service.Event) error {
	return p.publish(ctx, e)
}

func (p *RedisPublisher) BlockContent(ctx context.Context, contentID, reason string) error {
	return p.publish(ctx, ContentBlock{
		Kind:      ContentBlockedKind,
		ContentID: contentID,
		Reason:    reason,
		At:        p.now().UTC(),
	})
}

// State returns the circuit breaker state.
func (p *RedisPublisher) State() gobreaker.State {
	return p.breaker.State()
}

// Health reports the breaker state ("closed", "half-open" or "open") for /health.
func (p *RedisPublisher) Health() string {
	return p.breaker.State().String()
}

func (p *RedisPublisher) publish(ctx context.Context, v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.pub.Publish(ctx, p.channel, msg)
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", p.channel)
	}
	return nil
}
