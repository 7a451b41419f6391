package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const snapshotKeyPrefix = "studio:session:"

// SnapshotStore keeps the latest session state as JSON with a sliding TTL.
// Entries expire with the session; nothing outlives SESSION_TTL.
type SnapshotStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewSnapshotStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "snapshot_store")),
	}
}

func snapshotKey(sessionID string) string {
	return snapshotKeyPrefix + sessionID + ":state"
}

// Save overwrites the snapshot of sessionID.
func (s *SnapshotStore) Save(ctx context.Context, sessionID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(sessionID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot for session %s: %w", sessionID, err)
	}
	return nil
}

// Load decodes the snapshot of sessionID into v. It reports false when none exists.
func (s *SnapshotStore) Load(ctx context.Context, sessionID string, v any) (bool, error) {
	payload, err := s.rdb.Get(ctx, snapshotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load snapshot for session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("failed to decode snapshot for session %s: %w", sessionID, err)
	}
	return true, nil
}

// Delete removes the snapshot of sessionID.
func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, snapshotKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot for session %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SnapshotStore) Close() error {
	return s.rdb.Close()
}
