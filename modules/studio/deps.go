package studio

import (
	"context"
	"time"

	"go.uber.org/zap"

	"multi-angle-studio/modules/common/metrics"
	"multi-angle-studio/modules/generation"
	"multi-angle-studio/modules/intake"
)

// StateStore persists the latest view of a session. *redis.SnapshotStore
// implements it.
type StateStore interface {
	Save(ctx context.Context, sessionID string, v any) error
	Load(ctx context.Context, sessionID string, v any) (bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// Deps are shared by every session.
type Deps struct {
	Generator generation.Generator
	Intake    *intake.Service
	Store     StateStore // nil disables snapshots
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	MaxConcurrency int64
	DownloadDelay  time.Duration

	// 세션 정리 기준
	ExpireAfter   time.Duration
	InactiveAfter time.Duration
}

const (
	defaultExpireAfter   = 24 * time.Hour
	defaultInactiveAfter = 2 * time.Hour
	storeTimeout         = 5 * time.Second
)

func (d *Deps) withDefaults() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.ExpireAfter <= 0 {
		d.ExpireAfter = defaultExpireAfter
	}
	if d.InactiveAfter <= 0 {
		d.InactiveAfter = defaultInactiveAfter
	}
}
