package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EventRegistration = "registration"

	DefaultVersion = "1.0.0"
)

// Widths of the varchar columns that take request data. MySQL in strict mode
// rejects longer values, so callers validate or truncate against these.
const (
	TokenWidth     = 128
	TextWidth      = 255
	PlatformWidth  = 32
	VersionWidth   = 32
	IPWidth        = 45
	UserAgentWidth = 512
)

// Users (one row per client installation)
type User struct {
	Token          string     `gorm:"primaryKey;type:varchar(128)"`
	Name           string     `gorm:"type:varchar(255);not null"`
	Email          string     `gorm:"type:varchar(255);index;not null"`
	Organization   *string    `gorm:"type:varchar(255)"`
	MachineID      string     `gorm:"type:varchar(255);not null"`
	RegisteredAt   time.Time  `gorm:"not null"`
	LastValidation time.Time  `gorm:"index;not null"`
	Version        string     `gorm:"type:varchar(32);not null"`
	Stats          *UserStats `gorm:"foreignKey:UserToken;references:Token;constraint:OnDelete:CASCADE"`
}

func (User) TableName() string {
	return "users"
}

// Per-user lifetime counters, replaced wholesale by each client report
type UserStats struct {
	UserToken            string `gorm:"primaryKey;type:varchar(128)"`
	TotalBackups         int64  `gorm:"index;not null"`
	TotalBytesOriginal   int64  `gorm:"not null"`
	TotalBytesCompressed int64  `gorm:"not null"`
	TotalFiles           int64  `gorm:"not null"`
	FormatZip            int64  `gorm:"column:format_zip;not null"`
	Format7z             int64  `gorm:"column:format_7z;not null"`
	FormatTarGz          int64  `gorm:"column:format_targz;not null"`
	FormatTarBz2         int64  `gorm:"column:format_tarbz2;not null"`
	IncrementalBackups   int64  `gorm:"not null"`
	FullBackups          int64  `gorm:"not null"`
	FirstBackup          *time.Time
	LastBackup           *time.Time `gorm:"index"`
	UpdatedAt            time.Time
}

func (UserStats) TableName() string {
	return "user_stats"
}

// Download log (append-only)
type Download struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Platform  string    `gorm:"type:varchar(32);index;not null"`
	Version   string    `gorm:"type:varchar(32);not null"`
	IPAddress string    `gorm:"type:varchar(45);not null"`
	UserAgent *string   `gorm:"type:varchar(512)"`
	Timestamp time.Time `gorm:"index;not null"`
}

func (Download) TableName() string {
	return "downloads"
}

// Raw event log (append-only audit trail)
type Event struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	EventType string         `gorm:"type:varchar(32);index;not null"`
	UserToken string         `gorm:"type:varchar(128);index"`
	Data      datatypes.JSON `gorm:"not null"`
	IPAddress string         `gorm:"type:varchar(45);not null"`
	CreatedAt time.Time      `gorm:"index"`
}

func (Event) TableName() string {
	return "events"
}

// GlobalStats is the single-row aggregate derived from users, user_stats
// and downloads. It is never stored.
type GlobalStats struct {
	TotalUsers           int64 `gorm:"column:total_users" json:"total_users"`
	ActiveUsers30d       int64 `gorm:"column:active_users_30d" json:"active_users_30d"`
	TotalBackups         int64 `gorm:"column:total_backups" json:"total_backups"`
	TotalBytesOriginal   int64 `gorm:"column:total_bytes_original" json:"total_bytes_original"`
	TotalBytesCompressed int64 `gorm:"column:total_bytes_compressed" json:"total_bytes_compressed"`
	TotalFiles           int64 `gorm:"column:total_files" json:"total_files"`
	DownloadsWindows     int64 `gorm:"column:downloads_windows" json:"downloads_windows"`
	DownloadsLinux       int64 `gorm:"column:downloads_linux" json:"downloads_linux"`
	DownloadsMacOS       int64 `gorm:"column:downloads_macos" json:"downloads_macos"`
	DownloadsTotal       int64 `gorm:"column:downloads_total" json:"downloads_total"`
	FormatZip            int64 `gorm:"column:format_zip" json:"format_zip"`
	Format7z             int64 `gorm:"column:format_7z" json:"format_7z"`
	FormatTarGz          int64 `gorm:"column:format_targz" json:"format_targz"`
	FormatTarBz2         int64 `gorm:"column:format_tarbz2" json:"format_tarbz2"`
}

// UserStatsRow is one user left-joined with its (possibly absent) stats.
type UserStatsRow struct {
	Name               string     `gorm:"column:name"`
	Email              string     `gorm:"column:email"`
	Token              string     `gorm:"column:token"`
	Organization       *string    `gorm:"column:organization"`
	LastValidation     time.Time  `gorm:"column:last_validation"`
	TotalBackups       *int64     `gorm:"column:total_backups"`
	TotalBytesOriginal *int64     `gorm:"column:total_bytes_original"`
	LastBackup         *time.Time `gorm:"column:last_backup"`
}
