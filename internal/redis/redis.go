package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"docchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultNamespace = "docchat"
	dialTimeout      = 3 * time.Second
)

var (
	// ErrCacheMiss is returned when a key does not exist.
	ErrCacheMiss = redis.Nil

	errNotInitialized = errors.New("redis client not initialized")
)

// Client wraps a go-redis client and prefixes every key and channel with a namespace
// so several deployments can share one server.
type Client struct {
	inner     *redis.Client
	namespace string
}

// NewRedisClient connects using the redis section of the app config.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	return Dial(cfg.Redis)
}

// Dial connects with explicit settings and pings the server.
func Dial(rc config.RedisConfig) (*Client, error) {
	host := rc.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := rc.Port
	if port == 0 {
		port = 6379
	}
	inner := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := inner.Ping(ctx).Err(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping redis %s:%d: %w", host, port, err)
	}
	ns := strings.Trim(rc.Namespace, ":")
	if ns == "" {
		ns = defaultNamespace
	}
	return &Client{inner: inner, namespace: ns}, nil
}

func (c *Client) key(name string) string {
	return c.namespace + ":" + name
}

func (c *Client) ready() error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return nil
}

// Ping reports whether the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.inner.Ping(ctx).Err()
}

// SetJSON encodes value and stores it under key with the given TTL.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.inner.Set(ctx, c.key(key), data, ttl).Err()
}

// GetJSON decodes the value stored under key into dst. A missing key yields ErrCacheMiss.
func (c *Client) GetJSON(ctx context.Context, key string, dst any) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := c.inner.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Del removes keys; missing keys are ignored.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.inner.Del(ctx, full...).Err()
}

// PublishJSON encodes event and publishes it on channel.
func (c *Client) PublishJSON(ctx context.Context, channel string, event any) error {
	if err := c.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", channel, err)
	}
	return c.inner.Publish(ctx, c.key(channel), data).Err()
}

// Subscription delivers raw payloads published on one channel.
type Subscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

// Messages returns the payload stream. It is closed when the subscription closes.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.ch
}

func (s *Subscription) Close() error {
	return s.ps.Close()
}

// Subscribe listens on channel and returns once the server confirmed the subscription.
func (c *Client) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	ps := c.inner.Subscribe(ctx, c.key(channel))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &Subscription{ps: ps, ch: ps.Channel()}, nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
