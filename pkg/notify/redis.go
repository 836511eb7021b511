package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "genomatrix.finalization"

// RedisConfig configures the redis notifier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisNotifier publishes Results as JSON on a redis channel.
type RedisNotifier struct {
	pub     publisher
	closeFn func() error
	channel string
}

// NewRedisNotifier connects to redis and verifies the connection.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	n := newRedisNotifier(rdb, cfg.Channel)
	n.closeFn = rdb.Close
	return n, nil
}

func newRedisNotifier(pub publisher, channel string) *RedisNotifier {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{pub: pub, channel: channel}
}

// Channel returns the channel Results are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// SendFinalizationResult implements Notifier.
func (n *RedisNotifier) SendFinalizationResult(ctx context.Context, r Result) error {
	if n == nil || n.pub == nil {
		return fmt.Errorf("redis notifier not initialized")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := n.pub.Publish(ctx, n.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (n *RedisNotifier) Close() error {
	if n == nil || n.closeFn == nil {
		return nil
	}
	return n.closeFn()
}
