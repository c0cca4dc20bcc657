package broker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const channelPrefix = "stressmonitor:"

type RedisBroker struct {
	client *redis.Client
	pubsub map[string]*redis.PubSub
	mu     sync.RWMutex
}

func NewRedis(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return NewRedisFromClient(client), nil
}

// NewRedisFromClient wraps an existing client; the broker owns it from then on.
func NewRedisFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client: client,
		pubsub: make(map[string]*redis.PubSub),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	return b.client.Publish(ctx, channelPrefix+channel, data).Err()
}

// Subscribe returns once the subscription is confirmed by the server, so a
// Publish issued afterwards is guaranteed to be delivered.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	ps := b.client.Subscribe(ctx, channelPrefix+channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return errors.Wrapf(err, "subscribe %s", channel)
	}
	b.mu.Lock()
	if old, ok := b.pubsub[channel]; ok {
		old.Close()
	}
	b.pubsub[channel] = ps
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler(channel, []byte(msg.Payload))
		}
		log.WithField("channel", channel).Debug("redis subscription closed")
	}()
	return nil
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	ps, ok := b.pubsub[channel]
	if ok {
		delete(b.pubsub, channel)
	}
	b.mu.Unlock()
	if ok {
		return ps.Close()
	}
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for _, ps := range b.pubsub {
		ps.Close()
	}
	b.pubsub = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	return b.client.Close()
}
