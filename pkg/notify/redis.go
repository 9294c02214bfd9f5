// Package notify tells an external scheduler that a pickup artifact is ready
// to be loaded.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	sferrors "github.com/simflow/simflow/pkg/errors"
)

// Ready announces one finished pickup artifact.
type Ready struct {
	BatchID string `json:"batch_id"`
	// Artifact is where the draws can be fetched: the published location,
	// or the local path when nothing was published. Empty when the draws
	// were only loaded and the artifact removed.
	Artifact string `json:"artifact"`
	// Dest is the table the draws were loaded into; empty when they were
	// not loaded.
	Dest      string    `json:"dest,omitempty"`
	Rows      int64     `json:"rows"`
	Sims      int       `json:"sims"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisConfig configures the Redis notifier.
type RedisConfig struct {
	// Address is host:port, or a redis:// URL.
	Address  string `yaml:"address" validate:"required"`
	Password string `yaml:"password"`
	Database int    `yaml:"database" validate:"gte=0"`
	// Prefix is prepended to every key and to the channel name.
	Prefix string `yaml:"prefix"`
	// TTL of the per-batch record. Zero keeps it forever.
	TTL     time.Duration `yaml:"ttl"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultRedisConfig returns defaults for address.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "simflow:",
		TTL:     7 * 24 * time.Hour,
		Timeout: 5 * time.Second,
	}
}

// RedisNotifier records each ready artifact under <prefix>ready:<batch>, adds
// the batch to the <prefix>pending set and publishes the record on the
// <prefix>ready channel. A scheduler that missed the message can still find
// the batch in the pending set.
type RedisNotifier struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisNotifier connects and pings.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	var opts *redis.Options
	if u, err := redis.ParseURL(cfg.Address); err == nil {
		opts = u
	} else {
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.Database}
	}
	opts.ReadTimeout = cfg.Timeout
	opts.WriteTimeout = cfg.Timeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, sferrors.Connection(err, opts.Addr)
	}
	return &RedisNotifier{cfg: cfg, client: client}, nil
}

// Channel is the pub/sub channel ready records are published on.
func (n *RedisNotifier) Channel() string { return n.cfg.Prefix + "ready" }

// PendingKey is the set of batch ids not yet acknowledged.
func (n *RedisNotifier) PendingKey() string { return n.cfg.Prefix + "pending" }

func (n *RedisNotifier) key(batchID string) string { return n.cfg.Prefix + "ready:" + batchID }

// Notify stores, indexes and publishes r in one pipeline.
func (n *RedisNotifier) Notify(ctx context.Context, r Ready) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal ready record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	pipe := n.client.TxPipeline()
	pipe.Set(ctx, n.key(r.BatchID), data, n.cfg.TTL)
	pipe.SAdd(ctx, n.PendingKey(), r.BatchID)
	pipe.Publish(ctx, n.Channel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return sferrors.Connection(err, n.client.Options().Addr).With("batch_id", r.BatchID)
	}
	return nil
}

// Lookup returns the record of batchID. ok is false when none exists.
func (n *RedisNotifier) Lookup(ctx context.Context, batchID string) (Ready, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	var r Ready
	data, err := n.client.Get(ctx, n.key(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return r, false, nil
	}
	if err != nil {
		return r, false, sferrors.Connection(err, n.client.Options().Addr)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, false, fmt.Errorf("unmarshal ready record %s: %w", batchID, err)
	}
	return r, true, nil
}

// Ack removes batchID from the pending set once loaded.
func (n *RedisNotifier) Ack(ctx context.Context, batchID string) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	return n.client.SRem(ctx, n.PendingKey(), batchID).Err()
}

// Close releases the client.
func (n *RedisNotifier) Close() error { return n.client.Close() }
