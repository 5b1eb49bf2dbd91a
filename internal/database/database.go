package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backup-telemetry/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBManager owns the write connection and any read replicas. It is built
// once at start-up and closed on shutdown.
type DBManager struct {
	WriteDB     *gorm.DB
	ReadDBs     []*gorm.DB
	nextReplica int
	replicaMu   sync.Mutex
	log         *logrus.Logger
}

// New connects to the primary MySQL database and to every read replica URL.
// A replica that fails to connect is skipped with a warning.
func New(databaseURL string, readURLs []string, log *logrus.Logger) (*DBManager, error) {
	m, err := Open(mysql.Open(databaseURL), log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to write database: %w", err)
	}

	// Set up connection pool
	sqlDB, err := m.WriteDB.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	for i, url := range readURLs {
		readDB, err := gorm.Open(mysql.Open(url), gormConfig(m.log))
		if err != nil {
			m.log.WithError(err).Warnf("failed to connect to read replica %d", i)
			continue
		}
		m.ReadDBs = append(m.ReadDBs, readDB)
	}

	m.log.WithField("read_replicas", len(m.ReadDBs)).Info("database connection established")
	return m, nil
}

// Open wraps an arbitrary gorm dialector without running migrations.
func Open(dialector gorm.Dialector, log *logrus.Logger) (*DBManager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := gorm.Open(dialector, gormConfig(log))
	if err != nil {
		return nil, err
	}
	return &DBManager{WriteDB: db, log: log}, nil
}

func gormConfig(log *logrus.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
}

// Migrate creates or updates the telemetry tables.
func (m *DBManager) Migrate() error {
	err := m.WriteDB.AutoMigrate(
		&models.User{},
		&models.UserStats{},
		&models.Download{},
		&models.Event{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// GetReadDB returns a read replica using round-robin
func (m *DBManager) GetReadDB() *gorm.DB {
	m.replicaMu.Lock()
	defer m.replicaMu.Unlock()

	if len(m.ReadDBs) == 0 {
		return m.WriteDB
	}

	db := m.ReadDBs[m.nextReplica]
	m.nextReplica = (m.nextReplica + 1) % len(m.ReadDBs)
	return db
}

func (m *DBManager) Ping(ctx context.Context) error {
	sqlDB, err := m.WriteDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (m *DBManager) Close() error {
	for _, db := range append([]*gorm.DB{m.WriteDB}, m.ReadDBs...) {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.Close(); err != nil {
			return err
		}
	}
	return nil
}
