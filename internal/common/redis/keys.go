package redis

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultSnapshotPrefix = "snapshot:"
	healthKeyPrefix       = "snapshot:health:"

	// HealthListKey is the hash of server id to health key
	HealthListKey = healthKeyPrefix + "list"
)

// SnapshotKey maps a render cache key ("html:https://...") to a fixed
// length Redis key: prefix + xxhash64 in hex
func SnapshotKey(prefix, cacheKey string) string {
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	return prefix + strconv.FormatUint(xxhash.Sum64String(cacheKey), 16)
}

// HealthKey is where a server publishes its health report
func HealthKey(serverID string) string {
	return healthKeyPrefix + serverID
}
