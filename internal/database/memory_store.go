package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"backup-telemetry/internal/models"
)

// MemoryStore keeps telemetry in process memory with the same upsert
// semantics as TelemetryStore. It backs DATABASE_DRIVER=memory for local
// dashboard work and the handler tests.
type MemoryStore struct {
	mu        sync.Mutex
	users     map[string]models.User
	stats     map[string]models.UserStats
	downloads []models.Download
	events    []models.Event
	nextID    uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]models.User),
		stats: make(map[string]models.UserStats),
	}
}

// column is a varchar value checked the way strict-mode MySQL does.
type column struct {
	name  string
	value string
	width int
}

func checkColumns(cols ...column) error {
	for _, c := range cols {
		if utf8.RuneCountInString(c.value) > c.width {
			return fmt.Errorf("data too long for column '%s'", c.name)
		}
	}
	return nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, user *models.User) error {
	org := ""
	if user.Organization != nil {
		org = *user.Organization
	}
	if err := checkColumns(
		column{"token", user.Token, models.TokenWidth},
		column{"name", user.Name, models.TextWidth},
		column{"email", user.Email, models.TextWidth},
		column{"organization", org, models.TextWidth},
		column{"machine_id", user.MachineID, models.TextWidth},
		column{"version", user.Version, models.VersionWidth},
	); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.Token]; ok {
		existing.LastValidation = user.LastValidation
		existing.Version = user.Version
		s.users[user.Token] = existing
		return nil
	}
	u := *user
	u.Stats = nil
	s.users[user.Token] = u
	return nil
}

func (s *MemoryStore) UpsertUserStats(_ context.Context, stats *models.UserStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[stats.UserToken]; !ok {
		return ErrUnknownUser
	}
	row := *stats
	row.UpdatedAt = time.Now()
	if existing, ok := s.stats[stats.UserToken]; ok {
		row.FirstBackup = existing.FirstBackup
	}
	s.stats[stats.UserToken] = row
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *models.Event) error {
	if err := checkColumns(column{"ip_address", event.IPAddress, models.IPWidth}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event.ID = s.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	s.events = append(s.events, *event)
	return nil
}

func (s *MemoryStore) RecordDownload(_ context.Context, download *models.Download) error {
	ua := ""
	if download.UserAgent != nil {
		ua = *download.UserAgent
	}
	if err := checkColumns(
		column{"platform", download.Platform, models.PlatformWidth},
		column{"version", download.Version, models.VersionWidth},
		column{"ip_address", download.IPAddress, models.IPWidth},
		column{"user_agent", ua, models.UserAgentWidth},
	); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	download.ID = s.nextID
	s.downloads = append(s.downloads, *download)
	return nil
}

func (s *MemoryStore) GlobalStats(_ context.Context, activeSince time.Time) (*models.GlobalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := &models.GlobalStats{TotalUsers: int64(len(s.users))}
	for token, u := range s.users {
		st, hasStats := s.stats[token]
		if !u.LastValidation.Before(activeSince) ||
			(hasStats && st.LastBackup != nil && !st.LastBackup.Before(activeSince)) {
			g.ActiveUsers30d++
		}
	}
	for _, st := range s.stats {
		g.TotalBackups += st.TotalBackups
		g.TotalBytesOriginal += st.TotalBytesOriginal
		g.TotalBytesCompressed += st.TotalBytesCompressed
		g.TotalFiles += st.TotalFiles
		g.FormatZip += st.FormatZip
		g.Format7z += st.Format7z
		g.FormatTarGz += st.FormatTarGz
		g.FormatTarBz2 += st.FormatTarBz2
	}
	for _, d := range s.downloads {
		switch d.Platform {
		case "windows":
			g.DownloadsWindows++
		case "linux":
			g.DownloadsLinux++
		case "macos":
			g.DownloadsMacOS++
		}
		g.DownloadsTotal++
	}
	return g, nil
}

func (s *MemoryStore) ListUsersWithStats(_ context.Context) ([]models.UserStatsRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]models.UserStatsRow, 0, len(s.users))
	for token, u := range s.users {
		row := models.UserStatsRow{
			Name:           u.Name,
			Email:          u.Email,
			Token:          u.Token,
			Organization:   u.Organization,
			LastValidation: u.LastValidation,
		}
		if st, ok := s.stats[token]; ok {
			backups, bytes := st.TotalBackups, st.TotalBytesOriginal
			row.TotalBackups = &backups
			row.TotalBytesOriginal = &bytes
			row.LastBackup = st.LastBackup
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Token < rows[j].Token })
	return rows, nil
}

// Events returns a copy of the audit log.
func (s *MemoryStore) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func (s *MemoryStore) Downloads() []models.Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Download(nil), s.downloads...)
}

func (s *MemoryStore) User(token string) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	return u, ok
}

// Stats returns the stored row for token, if any.
func (s *MemoryStore) Stats(token string) (models.UserStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[token]
	return st, ok
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
