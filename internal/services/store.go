package services

import (
	"context"
	"time"

	"backup-telemetry/internal/models"
)

// TelemetryStore is the persistence the services need. Both upserts must be
// single atomic statements in the backing store.
type TelemetryStore interface {
	UpsertUser(ctx context.Context, user *models.User) error
	UpsertUserStats(ctx context.Context, stats *models.UserStats) error
	AppendEvent(ctx context.Context, event *models.Event) error
	RecordDownload(ctx context.Context, download *models.Download) error
	GlobalStats(ctx context.Context, activeSince time.Time) (*models.GlobalStats, error)
	ListUsersWithStats(ctx context.Context) ([]models.UserStatsRow, error)
	Ping(ctx context.Context) error
}

// StatsCache holds the public summary between writes. Delete must advance
// Version so a summary computed before a write is never stored after it.
type StatsCache interface {
	Get(key string, target interface{}) (bool, error)
	Version(key string) uint64
	SetIfUnchanged(key string, value interface{}, ttl time.Duration, version uint64) (bool, error)
	Delete(key string) error
	PublishUpdate(key string)
}
