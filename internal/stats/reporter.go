// Package stats implements an optional, best-effort sink that
// publishes periodic registry snapshots to Redis for external
// dashboards. It sits entirely off the routing hot path: enabling or
// disabling it (or losing the Redis connection) never affects
// send_message/broadcast_message delivery, only the external
// visibility into connection counts.
//
// Modeled on the teacher's internal/cache package: pooled client,
// short dial/read/write timeouts, and a no-op mode when stats are not
// enabled. An unreachable Redis does not switch the Reporter to that
// mode; Publish returns the error on every failed tick.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the Reporter's connection to Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

// Snapshot is the payload published on each tick.
type Snapshot struct {
	Users       int       `json:"users"`
	Connections int       `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

// Reporter publishes Snapshot values to a Redis pub/sub channel.
type Reporter struct {
	client  *redis.Client
	channel string
	enabled bool
}

// NewReporter builds a Reporter. If cfg.Enabled is false the returned
// Reporter is a no-op: Publish always succeeds without touching the
// network, mirroring the teacher cache's "cache disabled mode".
func NewReporter(cfg Config, channel string) *Reporter {
	if !cfg.Enabled {
		return &Reporter{enabled: false, channel: channel}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	return &Reporter{client: client, channel: channel, enabled: true}
}

// Publish sends one Snapshot on the configured channel. Failures are
// returned to the caller (typically logged and otherwise ignored) —
// a publish error never tears down a live connection.
func (r *Reporter) Publish(ctx context.Context, snap Snapshot) error {
	if !r.enabled {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("stats: marshal snapshot: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("stats: publish snapshot: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client, if any.
func (r *Reporter) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
