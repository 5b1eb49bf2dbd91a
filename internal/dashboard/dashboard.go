package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"backup-telemetry/internal/services"

	"github.com/sirupsen/logrus"
)

const DefaultInterval = 30 * time.Second

// Fetcher is the subset of Client the dashboard depends on.
type Fetcher interface {
	FetchPublic(ctx context.Context) (*services.PublicStats, error)
	FetchAdmin(ctx context.Context, password string) ([]services.AdminUser, error)
}

// Snapshot is a copy of the dashboard state at one point in time.
type Snapshot struct {
	Public    *services.PublicStats
	UpdatedAt time.Time
	LastError error
	Admin     bool
	Users     []services.AdminUser
}

// Dashboard holds the last successfully fetched data. A failed refresh keeps
// the previous snapshot and only records the error.
type Dashboard struct {
	client Fetcher
	log    *logrus.Logger
	now    func() time.Time

	mu        sync.RWMutex
	public    *services.PublicStats
	updatedAt time.Time
	lastErr   error
	admin     bool
	password  string
	users     []services.AdminUser
}

func New(client Fetcher, log *logrus.Logger) *Dashboard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dashboard{client: client, log: log, now: time.Now}
}

// Refresh reloads the public summary, and the user list when logged in.
// Overlapping calls are safe; the last one to finish wins.
func (d *Dashboard) Refresh(ctx context.Context) error {
	public, err := d.client.FetchPublic(ctx)

	d.mu.Lock()
	if err != nil {
		d.lastErr = err
	} else {
		d.public = public
		d.updatedAt = d.now()
		d.lastErr = nil
	}
	admin, password := d.admin, d.password
	d.mu.Unlock()

	if err != nil {
		d.log.WithError(err).Warn("public stats refresh failed, keeping last snapshot")
		return err
	}
	if !admin {
		return nil
	}

	users, err := d.client.FetchAdmin(ctx, password)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			d.mu.Lock()
			stale := d.admin && d.password == password
			if stale {
				d.admin = false
				d.password = ""
				d.users = nil
			}
			d.mu.Unlock()
			if stale {
				d.log.Warn("admin password no longer accepted, logging out")
			}
		} else {
			d.log.WithError(err).Warn("admin refresh failed, keeping last user list")
		}
		return err
	}
	d.mu.Lock()
	if d.admin && d.password == password {
		d.users = users
	}
	d.mu.Unlock()
	return nil
}

// Login switches to the admin view when the server accepts password. On any
// error the state is left as it was.
func (d *Dashboard) Login(ctx context.Context, password string) error {
	users, err := d.client.FetchAdmin(ctx, password)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.admin = true
	d.password = password
	d.users = users
	d.mu.Unlock()
	return nil
}

func (d *Dashboard) Logout() {
	d.mu.Lock()
	d.admin = false
	d.password = ""
	d.users = nil
	d.mu.Unlock()
}

func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Public:    d.public,
		UpdatedAt: d.updatedAt,
		LastError: d.lastErr,
		Admin:     d.admin,
		Users:     append([]services.AdminUser(nil), d.users...),
	}
}

// Search filters the fetched users by a case-insensitive substring of name,
// email or token. An empty term returns every user.
func (d *Dashboard) Search(term string) []services.AdminUser {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return filterUsers(d.users, term)
}

func filterUsers(users []services.AdminUser, term string) []services.AdminUser {
	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]services.AdminUser, 0, len(users))
	for _, u := range users {
		if term == "" ||
			strings.Contains(strings.ToLower(u.Name), term) ||
			strings.Contains(strings.ToLower(u.Email), term) ||
			strings.Contains(strings.ToLower(u.Token), term) {
			out = append(out, u)
		}
	}
	return out
}

// Run refreshes immediately and then every interval until ctx is done,
// handing each resulting snapshot to onUpdate.
func (d *Dashboard) Run(ctx context.Context, interval time.Duration, onUpdate func(Snapshot)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = d.Refresh(ctx)
		if onUpdate != nil {
			onUpdate(d.Snapshot())
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
