package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations shared by the custody service: leader locks,
// step-up MFA marks and alert fan-out.
type Client struct {
	rdb    *redis.Client
	prefix string
	// token identifies this process as a lock holder.
	token string
}

// Config holds Redis connection configuration.
type Config struct {
	URL          string `yaml:"url"`
	Password     string `yaml:"password"`
	KeyPrefix    string `yaml:"key_prefix"`
	AlertChannel string `yaml:"alert_channel"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg.KeyPrefix), nil
}

func newClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "custody"
	}
	return &Client{rdb: rdb, prefix: prefix, token: uuid.NewString()}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) lockKey(name string) string {
	return fmt.Sprintf("%s:lock:%s", c.prefix, name)
}

func (c *Client) mfaKey(adminID string) string {
	return fmt.Sprintf("%s:mfa:%s", c.prefix, adminID)
}

func (c *Client) codeKey(adminID, code string) string {
	return fmt.Sprintf("%s:mfa_code:%s:%s", c.prefix, adminID, code)
}

// AcquireLock attempts to take a named lock for ttl.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.lockKey(name), c.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLock drops the lock if this client still holds it.
func (c *Client) ReleaseLock(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{c.lockKey(name)}, c.token).Err(); err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}

// MarkMFA records a fresh second factor for the admin.
func (c *Client) MarkMFA(ctx context.Context, adminID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.mfaKey(adminID), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("set mfa mark failed: %w", err)
	}
	return nil
}

// MFAFresh reports whether the admin passed MFA within the window.
func (c *Client) MFAFresh(ctx context.Context, adminID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.mfaKey(adminID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n == 1, nil
}

// UseCode burns a one-time code. It returns false when the code was already
// used inside ttl.
func (c *Client) UseCode(ctx context.Context, adminID, code string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.codeKey(adminID, code), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// Publish sends payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}
