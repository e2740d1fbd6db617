// Package registry publishes this render server's health report to Redis so
// operators and load balancers can see every live instance in one place.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/common/redis"
	"github.com/littb/snapshot/internal/render/supervisor"
)

// ttlFactor lets an entry survive two missed heartbeats
const ttlFactor = 3

// Client is the subset of the Redis client the registry uses
type Client interface {
	SetWithIndex(ctx context.Context, key string, value interface{}, expiration time.Duration, index, field string) error
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Del(ctx context.Context, keys ...string) error
}

// HealthSource provides the report to publish
type HealthSource interface {
	Health() supervisor.Health
}

// Report is the JSON document stored under snapshot:health:<id>
type Report struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	LastSeen time.Time         `json:"last_seen"`
	Health   supervisor.Health `json:"health"`
}

// Registry writes heartbeats for one server id
type Registry struct {
	client   Client
	source   HealthSource
	serverID string
	address  string
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func New(client Client, source HealthSource, serverID, address string, interval time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		client:   client,
		source:   source,
		serverID: serverID,
		address:  address,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TTL is how long a published report stays visible without a refresh
func (r *Registry) TTL() time.Duration {
	return ttlFactor * r.interval
}

// Publish writes the current health report once
func (r *Registry) Publish(ctx context.Context) error {
	report := Report{
		ID:       r.serverID,
		Address:  r.address,
		LastSeen: r.now(),
		Health:   r.source.Health(),
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal health report: %w", err)
	}

	key := redis.HealthKey(r.serverID)
	if err := r.client.SetWithIndex(ctx, key, data, r.TTL(), redis.HealthListKey, r.serverID); err != nil {
		return fmt.Errorf("failed to publish health: %w", err)
	}
	return nil
}

// Run publishes immediately and then every interval until ctx is done.
// Failed heartbeats are logged and retried on the next tick.
func (r *Registry) Run(ctx context.Context) {
	r.logger.Info("Health heartbeat started",
		zap.String("server_id", r.serverID),
		zap.Duration("interval", r.interval),
		zap.Duration("ttl", r.TTL()))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Publish(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Health heartbeat failed",
				zap.String("server_id", r.serverID),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Unregister removes the report and the list entry
func (r *Registry) Unregister(ctx context.Context) error {
	if err := r.client.Del(ctx, redis.HealthKey(r.serverID)); err != nil {
		return fmt.Errorf("failed to delete health report: %w", err)
	}
	if err := r.client.HDel(ctx, redis.HealthListKey, r.serverID); err != nil {
		return fmt.Errorf("failed to remove server from health list: %w", err)
	}
	r.logger.Info("Health report removed", zap.String("server_id", r.serverID))
	return nil
}

// List returns the live reports of every registered server, sorted by id.
// Ids whose report expired are skipped.
func List(ctx context.Context, client Client, logger *zap.Logger) ([]Report, error) {
	entries, err := client.HGetAll(ctx, redis.HealthListKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read health list: %w", err)
	}

	reports := make([]Report, 0, len(entries))
	for id, key := range entries {
		data, ok, err := client.GetBytes(ctx, key)
		if err != nil {
			logger.Warn("Failed to read health report", zap.String("server_id", id), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		var report Report
		if err := json.Unmarshal(data, &report); err != nil {
			logger.Warn("Failed to unmarshal health report", zap.String("server_id", id), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ID < reports[j].ID
	})
	return reports, nil
}
