// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package kvb abstracts the process-external key/value + pub/sub store that
// coordinates the external scanner, the per-scan watcher, and the stream
// gateway. The production implementation runs on Redis.
package kvb

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/basaltsec/recon/backend/internal/types"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string // Channel the payload arrived on
	Payload string // Raw payload string
}

// Subscription is a live subscription on one or more pub/sub channels.
// Close releases the subscription; both receive paths drain afterwards.
type Subscription interface {
	// Receive waits up to timeout for one message. A nil message with a nil
	// error means the timeout elapsed without traffic.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	// Channel returns a stream of messages for select-based consumers.
	Channel() <-chan *Message
	Close() error
}

// Bus is the key/value + pub/sub abstraction used across the service.
type Bus interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Push(ctx context.Context, key string, values ...string) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	Close() error
}

// RedisBus implements Bus on a go-redis client.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, cfg *types.RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisBus{client: client}, nil
}

// Get fetches a key. The boolean is false when the key does not exist.
func (b *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores a key. A zero ttl means no expiry.
func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes keys. Missing keys are not an error.
func (b *RedisBus) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

// Push appends values to the end of a list, creating it when absent.
func (b *RedisBus) Push(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return b.client.RPush(ctx, key, args...).Err()
}

// Range returns the list slice [start, stop]; -1 addresses the last element.
func (b *RedisBus) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.LRange(ctx, key, start, stop).Result()
}

// Expire sets a key's TTL. Missing keys are ignored.
func (b *RedisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

// Publish sends a payload to everyone subscribed on the channel.
func (b *RedisBus) Publish(ctx context.Context, channel, payload string) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on the given channels.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) Subscription {
	return &redisSubscription{pubsub: b.client.Subscribe(ctx, channels...)}
}

// Close releases the underlying client and all its connections.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// redisSubscription wraps a go-redis PubSub.
type redisSubscription struct {
	pubsub *redis.PubSub

	once     sync.Once
	messages chan *Message
}

// Receive waits up to timeout for one message. Subscription confirmations
// and pongs are swallowed; timeouts surface as (nil, nil).
func (s *redisSubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	raw, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}

	if msg, ok := raw.(*redis.Message); ok {
		return &Message{Channel: msg.Channel, Payload: msg.Payload}, nil
	}
	return nil, nil
}

// Channel lazily starts a forwarding goroutine and returns the message stream.
// The stream closes when the subscription is closed.
func (s *redisSubscription) Channel() <-chan *Message {
	s.once.Do(func() {
		s.messages = make(chan *Message, 100)
		upstream := s.pubsub.Channel()
		go func() {
			defer close(s.messages)
			for msg := range upstream {
				s.messages <- &Message{Channel: msg.Channel, Payload: msg.Payload}
			}
		}()
	})
	return s.messages
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
