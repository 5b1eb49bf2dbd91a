package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backup-telemetry/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownUser is returned when stats reference a token with no users row.
	ErrUnknownUser = errors.New("user token is not registered")
)

// Columns replaced by a repeated registration. Profile fields stay as first
// inserted.
var userUpdateColumns = []string{"last_validation", "version"}

// Columns replaced by every stats report. first_backup is deliberately absent.
var statsUpdateColumns = []string{
	"total_backups",
	"total_bytes_original",
	"total_bytes_compressed",
	"total_files",
	"format_zip",
	"format_7z",
	"format_targz",
	"format_tarbz2",
	"incremental_backups",
	"full_backups",
	"last_backup",
	"updated_at",
}

const globalStatsQuery = `
SELECT
	(SELECT COUNT(*) FROM users) AS total_users,
	(SELECT COUNT(*) FROM users u
		LEFT JOIN user_stats us ON us.user_token = u.token
		WHERE u.last_validation >= @since OR us.last_backup >= @since) AS active_users_30d,
	st.total_backups, st.total_bytes_original, st.total_bytes_compressed, st.total_files,
	st.format_zip, st.format_7z, st.format_targz, st.format_tarbz2,
	dl.downloads_windows, dl.downloads_linux, dl.downloads_macos, dl.downloads_total
FROM (
	SELECT
		COALESCE(SUM(total_backups), 0) AS total_backups,
		COALESCE(SUM(total_bytes_original), 0) AS total_bytes_original,
		COALESCE(SUM(total_bytes_compressed), 0) AS total_bytes_compressed,
		COALESCE(SUM(total_files), 0) AS total_files,
		COALESCE(SUM(format_zip), 0) AS format_zip,
		COALESCE(SUM(format_7z), 0) AS format_7z,
		COALESCE(SUM(format_targz), 0) AS format_targz,
		COALESCE(SUM(format_tarbz2), 0) AS format_tarbz2
	FROM user_stats
) st CROSS JOIN (
	SELECT
		COALESCE(SUM(CASE WHEN platform = 'windows' THEN 1 ELSE 0 END), 0) AS downloads_windows,
		COALESCE(SUM(CASE WHEN platform = 'linux' THEN 1 ELSE 0 END), 0) AS downloads_linux,
		COALESCE(SUM(CASE WHEN platform = 'macos' THEN 1 ELSE 0 END), 0) AS downloads_macos,
		COUNT(*) AS downloads_total
	FROM downloads
) dl`

const usersWithStatsQuery = `
SELECT u.name, u.email, u.token, u.organization, u.last_validation,
	s.total_backups, s.total_bytes_original, s.last_backup
FROM users u
LEFT JOIN user_stats s ON s.user_token = u.token
ORDER BY s.total_backups IS NULL, s.total_backups DESC, u.token`

// TelemetryStore persists telemetry through gorm. Writes go to the primary,
// aggregate reads are spread over the replicas.
type TelemetryStore struct {
	db *DBManager
}

func NewTelemetryStore(db *DBManager) *TelemetryStore {
	return &TelemetryStore{db: db}
}

// UpsertUser inserts a new installation or refreshes last_validation and
// version of an existing one, in a single statement.
func (s *TelemetryStore) UpsertUser(ctx context.Context, user *models.User) error {
	err := s.db.WriteDB.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoUpdates: clause.AssignmentColumns(userUpdateColumns),
		}).
		Create(user).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// UpsertUserStats applies a client report as one INSERT ... ON DUPLICATE KEY
// UPDATE, so concurrent reports for the same token serialize in MySQL.
func (s *TelemetryStore) UpsertUserStats(ctx context.Context, stats *models.UserStats) error {
	err := s.db.WriteDB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_token"}},
			DoUpdates: clause.AssignmentColumns(statsUpdateColumns),
		}).
		Create(stats).Error
	if err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return ErrUnknownUser
		}
		return fmt.Errorf("failed to upsert user stats: %w", err)
	}
	return nil
}

func (s *TelemetryStore) AppendEvent(ctx context.Context, event *models.Event) error {
	if err := s.db.WriteDB.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *TelemetryStore) RecordDownload(ctx context.Context, download *models.Download) error {
	if err := s.db.WriteDB.WithContext(ctx).Create(download).Error; err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// GlobalStats aggregates every table in one round-trip. Installations seen
// at or after activeSince count as active.
func (s *TelemetryStore) GlobalStats(ctx context.Context, activeSince time.Time) (*models.GlobalStats, error) {
	var stats models.GlobalStats
	err := s.db.GetReadDB().WithContext(ctx).
		Raw(globalStatsQuery, map[string]interface{}{"since": activeSince}).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	return &stats, nil
}

// ListUsersWithStats returns every user joined with its stats, most backups
// first and users without stats last.
func (s *TelemetryStore) ListUsersWithStats(ctx context.Context) ([]models.UserStatsRow, error) {
	var rows []models.UserStatsRow
	if err := s.db.GetReadDB().WithContext(ctx).Raw(usersWithStatsQuery).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return rows, nil
}

func (s *TelemetryStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
