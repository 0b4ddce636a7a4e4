package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/1ureka/famcall/internal/util"
)

// DefaultRedisPrefix namespaces the pub/sub channels, one per event.
const DefaultRedisPrefix = "famcall:signal:"

// RedisConfig controls the redis client behavior.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// redisFrame tags each payload with the publishing bus so it can skip its own
// messages, which redis delivers back to the publisher.
type redisFrame struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Redis is a Bus on top of redis pub/sub.
type Redis struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	prefix string
	origin string
	subs   subscribers

	closeOnce sync.Once
	done      chan struct{}
}

var _ Bus = (*Redis)(nil)

// NewRedis subscribes to every event channel under prefix and returns once
// the subscription is confirmed by the server.
func NewRedis(ctx context.Context, rdb *redis.Client, prefix string) (*Redis, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	ps := rdb.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis psubscribe failed: %w", err)
	}

	r := &Redis{
		rdb:    rdb,
		ps:     ps,
		prefix: prefix,
		origin: uuid.NewString(),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Publish sends payload on the event's channel.
func (r *Redis) Publish(ctx context.Context, event string, payload []byte) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(redisFrame{Origin: r.origin, Payload: payload})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.prefix+event, data).Err()
}

// Subscribe registers fn for event.
func (r *Redis) Subscribe(event string, fn Handler) func() {
	return r.subs.add(event, fn)
}

// Close ends the subscription. The redis client itself is owned by the caller.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.ps.Close()
	})
	return err
}

func (r *Redis) loop() {
	for msg := range r.ps.Channel() {
		var f redisFrame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			util.LogDebug("redis frame on %s is not valid JSON: %v", msg.Channel, err)
			continue
		}
		if f.Origin == r.origin {
			continue
		}
		r.subs.dispatch(strings.TrimPrefix(msg.Channel, r.prefix), f.Payload)
	}
}
