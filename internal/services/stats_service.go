package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"backup-telemetry/internal/database"
	"backup-telemetry/internal/models"

	"github.com/sirupsen/logrus"
)

const publicStatsKey = "stats:public"

// FormatCounts is the per-archive-format breakdown sent by clients.
type FormatCounts struct {
	Zip    int64 `json:"zip" binding:"gte=0"`
	SevenZ int64 `json:"7z" binding:"gte=0"`
	TarGz  int64 `json:"tar.gz" binding:"gte=0"`
	TarBz2 int64 `json:"tar.bz2" binding:"gte=0"`
}

// StatsReport carries a client's cumulative lifetime totals. Absent numbers
// are zero.
type StatsReport struct {
	Token                string       `json:"token" binding:"required,max=128"`
	TotalBackups         int64        `json:"total_backups" binding:"gte=0"`
	TotalBytesOriginal   int64        `json:"total_bytes_original" binding:"gte=0"`
	TotalBytesCompressed int64        `json:"total_bytes_compressed" binding:"gte=0"`
	TotalFiles           int64        `json:"total_files" binding:"gte=0"`
	BackupsByFormat      FormatCounts `json:"backups_by_format"`
	IncrementalBackups   int64        `json:"incremental_backups" binding:"gte=0"`
	FullBackups          int64        `json:"full_backups" binding:"gte=0"`
	FirstBackup          string       `json:"first_backup"`
	LastBackup           string       `json:"last_backup"`
}

type DownloadInput struct {
	Platform string `json:"platform" binding:"required,max=32"`
	Version  string `json:"version" binding:"max=32"`
}

// PublicStats is the unauthenticated summary.
type PublicStats struct {
	models.GlobalStats
	TotalTB           float64   `json:"total_tb"`
	TotalTBCompressed float64   `json:"total_tb_compressed"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// AdminUser is one row of the admin breakdown. Stats fields are null for
// users that never reported; TB is then 0.
type AdminUser struct {
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Token          string     `json:"token"`
	Organization   *string    `json:"organization"`
	LastValidation time.Time  `json:"last_validation"`
	TotalBackups   *int64     `json:"total_backups"`
	LastBackup     *time.Time `json:"last_backup"`
	TB             float64    `json:"tb"`
}

type StatsOptions struct {
	CacheTTL     time.Duration
	ActiveWindow time.Duration
}

// StatsService aggregates client reports and serves the read side.
type StatsService struct {
	store TelemetryStore
	cache StatsCache
	opts  StatsOptions
	log   *logrus.Logger
	now   func() time.Time
}

func NewStatsService(store TelemetryStore, cache StatsCache, opts StatsOptions, log *logrus.Logger) *StatsService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = 30 * 24 * time.Hour
	}
	return &StatsService{store: store, cache: cache, opts: opts, log: log, now: time.Now}
}

// UpdateStats replaces the token's counters with the report. first_backup is
// only taken on the first report for a token.
func (s *StatsService) UpdateStats(ctx context.Context, report StatsReport) error {
	stats, err := report.toModel()
	if err != nil {
		return err
	}

	if err := s.store.UpsertUserStats(ctx, stats); err != nil {
		if errors.Is(err, database.ErrUnknownUser) {
			return invalid("token", "token is not registered")
		}
		return &StoreError{Op: "update_stats", Err: err}
	}

	invalidatePublicStats(s.cache, s.log)
	return nil
}

func (r StatsReport) toModel() (*models.UserStats, error) {
	token := strings.TrimSpace(r.Token)
	if token == "" {
		return nil, invalid("token", "token is required")
	}
	if err := checkWidth("token", token, models.TokenWidth); err != nil {
		return nil, err
	}

	counters := map[string]int64{
		"total_backups":          r.TotalBackups,
		"total_bytes_original":   r.TotalBytesOriginal,
		"total_bytes_compressed": r.TotalBytesCompressed,
		"total_files":            r.TotalFiles,
		"incremental_backups":    r.IncrementalBackups,
		"full_backups":           r.FullBackups,
		"zip":                    r.BackupsByFormat.Zip,
		"7z":                     r.BackupsByFormat.SevenZ,
		"tar.gz":                 r.BackupsByFormat.TarGz,
		"tar.bz2":                r.BackupsByFormat.TarBz2,
	}
	for field, v := range counters {
		if v < 0 {
			return nil, invalid(field, "%s must not be negative", field)
		}
	}

	first, err := parseTimestamp("first_backup", r.FirstBackup)
	if err != nil {
		return nil, err
	}
	last, err := parseTimestamp("last_backup", r.LastBackup)
	if err != nil {
		return nil, err
	}

	return &models.UserStats{
		UserToken:            token,
		TotalBackups:         r.TotalBackups,
		TotalBytesOriginal:   r.TotalBytesOriginal,
		TotalBytesCompressed: r.TotalBytesCompressed,
		TotalFiles:           r.TotalFiles,
		FormatZip:            r.BackupsByFormat.Zip,
		Format7z:             r.BackupsByFormat.SevenZ,
		FormatTarGz:          r.BackupsByFormat.TarGz,
		FormatTarBz2:         r.BackupsByFormat.TarBz2,
		IncrementalBackups:   r.IncrementalBackups,
		FullBackups:          r.FullBackups,
		FirstBackup:          first,
		LastBackup:           last,
	}, nil
}

// RecordDownload appends one download event. Duplicates are expected. The
// caller-controlled ip and userAgent are cut to their column widths rather
// than failing the write.
func (s *StatsService) RecordDownload(ctx context.Context, in DownloadInput, ip, userAgent string) error {
	platform := strings.ToLower(strings.TrimSpace(in.Platform))
	if platform == "" {
		return invalid("platform", "platform is required")
	}
	if err := checkWidth("platform", platform, models.PlatformWidth); err != nil {
		return err
	}
	version := strings.TrimSpace(in.Version)
	if version == "" {
		version = models.DefaultVersion
	}
	if err := checkWidth("version", version, models.VersionWidth); err != nil {
		return err
	}

	download := &models.Download{
		Platform:  platform,
		Version:   version,
		IPAddress: truncate(ip, models.IPWidth),
		Timestamp: s.now(),
	}
	if userAgent != "" {
		ua := truncate(userAgent, models.UserAgentWidth)
		download.UserAgent = &ua
	}

	if err := s.store.RecordDownload(ctx, download); err != nil {
		return &StoreError{Op: "download", Err: err}
	}

	invalidatePublicStats(s.cache, s.log)
	return nil
}

// Public returns the global summary, from cache when one is warm. A summary
// computed while a write committed is returned but not cached.
func (s *StatsService) Public(ctx context.Context) (*PublicStats, error) {
	var version uint64
	if s.cache != nil {
		version = s.cache.Version(publicStatsKey)
		var cached PublicStats
		found, err := s.cache.Get(publicStatsKey, &cached)
		if err != nil {
			s.log.WithError(err).Warn("public stats cache read failed")
		} else if found {
			return &cached, nil
		}
	}

	now := s.now()
	global, err := s.store.GlobalStats(ctx, now.Add(-s.opts.ActiveWindow))
	if err != nil {
		return nil, &StoreError{Op: "global_stats", Err: err}
	}

	stats := &PublicStats{
		GlobalStats:       *global,
		TotalTB:           ToTerabytes(global.TotalBytesOriginal),
		TotalTBCompressed: ToTerabytes(global.TotalBytesCompressed),
		GeneratedAt:       now,
	}

	if s.cache != nil && s.opts.CacheTTL > 0 {
		stored, err := s.cache.SetIfUnchanged(publicStatsKey, stats, s.opts.CacheTTL, version)
		if err != nil {
			s.log.WithError(err).Warn("public stats cache write failed")
		} else if !stored {
			s.log.Debug("public stats changed while computing, not caching")
		}
	}
	return stats, nil
}

// AdminUsers lists every user with stats, most backups first, users that
// never reported last.
func (s *StatsService) AdminUsers(ctx context.Context) ([]AdminUser, error) {
	rows, err := s.store.ListUsersWithStats(ctx)
	if err != nil {
		return nil, &StoreError{Op: "list_users", Err: err}
	}

	users := make([]AdminUser, 0, len(rows))
	for _, row := range rows {
		u := AdminUser{
			Name:           row.Name,
			Email:          row.Email,
			Token:          row.Token,
			Organization:   row.Organization,
			LastValidation: row.LastValidation,
			TotalBackups:   row.TotalBackups,
			LastBackup:     row.LastBackup,
		}
		if row.TotalBytesOriginal != nil {
			u.TB = ToTerabytes(*row.TotalBytesOriginal)
		}
		users = append(users, u)
	}

	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i].TotalBackups, users[j].TotalBackups
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a > *b
		}
	})
	return users, nil
}

func (s *StatsService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func invalidatePublicStats(cache StatsCache, log *logrus.Logger) {
	if cache == nil {
		return
	}
	if err := cache.Delete(publicStatsKey); err != nil {
		log.WithError(err).Warn("public stats cache invalidation failed")
	}
	cache.PublishUpdate(publicStatsKey)
}
