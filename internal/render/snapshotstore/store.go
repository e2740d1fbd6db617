// Package snapshotstore is the shared Redis tier behind the in-memory result
// cache. It never fails a render: errors are logged, counted and reported
// to the caller as a miss.
package snapshotstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/common/redis"
	"github.com/littb/snapshot/internal/render/metrics"
)

// Client is the subset of the Redis client the store uses
type Client interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Store keeps rendered payloads in Redis under hashed keys
type Store struct {
	client           Client
	ttl              time.Duration
	compression      string
	keyPrefix        string
	metricsCollector *metrics.MetricsCollector
	logger           *zap.Logger
}

// Options configures a Store
type Options struct {
	TTL         time.Duration
	Compression string // none, snappy or lz4
	KeyPrefix   string // defaults to "snapshot:"
}

func New(client Client, opts Options, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) *Store {
	return &Store{
		client:           client,
		ttl:              opts.TTL,
		compression:      opts.Compression,
		keyPrefix:        opts.KeyPrefix,
		metricsCollector: metricsCollector,
		logger:           logger,
	}
}

// Get returns the payload stored for a render cache key
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	redisKey := redis.SnapshotKey(s.keyPrefix, key)

	stored, ok, err := s.client.GetBytes(ctx, redisKey)
	if err != nil {
		s.fail("get", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	payload, err := decode(stored)
	if err != nil {
		s.fail("decode", key, err)
		return nil, false
	}
	return payload, true
}

// Put stores payload for key with the configured TTL
func (s *Store) Put(ctx context.Context, key string, payload []byte) {
	encoded, err := encode(payload, s.compression)
	if err != nil {
		s.fail("encode", key, err)
		return
	}

	if err := s.client.Set(ctx, redis.SnapshotKey(s.keyPrefix, key), encoded, s.ttl); err != nil {
		s.fail("put", key, err)
		return
	}

	s.logger.Debug("Snapshot stored",
		zap.String("cache_key", key),
		zap.Int("bytes", len(payload)),
		zap.Int("stored_bytes", len(encoded)))
}

func (s *Store) fail(op, key string, err error) {
	s.metricsCollector.RecordStoreError(op)
	s.logger.Warn("Snapshot store operation failed",
		zap.String("op", op),
		zap.String("cache_key", key),
		zap.Error(err))
}
