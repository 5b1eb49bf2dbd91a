package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"backup-telemetry/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type RegisterInput struct {
	Token          string  `json:"token" binding:"required,max=128"`
	Name           string  `json:"name" binding:"required,max=255"`
	Email          string  `json:"email" binding:"required,max=255"`
	Organization   *string `json:"organization" binding:"omitempty,max=255"`
	MachineID      string  `json:"machine_id" binding:"required,max=255"`
	RegisteredAt   string  `json:"registered_at"`
	LastValidation string  `json:"last_validation"`
	Version        string  `json:"version" binding:"max=32"`
}

// RegistrationService records installations and keeps an audit trail of
// every registration payload.
type RegistrationService struct {
	store TelemetryStore
	cache StatsCache
	log   *logrus.Logger
	now   func() time.Time
}

func NewRegistrationService(store TelemetryStore, cache StatsCache, log *logrus.Logger) *RegistrationService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RegistrationService{store: store, cache: cache, log: log, now: time.Now}
}

// Register inserts the installation or, for a known token, refreshes
// last_validation and version only. raw is the payload as received and is
// kept verbatim in the audit log.
//
// The audit write is best-effort: once the user row is stored the
// registration has succeeded, and a failed audit insert is only logged.
func (s *RegistrationService) Register(ctx context.Context, in RegisterInput, raw []byte, ip string) error {
	user, err := s.toModel(in)
	if err != nil {
		return err
	}

	if err := s.store.UpsertUser(ctx, user); err != nil {
		return &StoreError{Op: "register", Err: err}
	}
	invalidatePublicStats(s.cache, s.log)

	if len(raw) == 0 {
		raw, _ = json.Marshal(in)
	}
	event := &models.Event{
		EventType: models.EventRegistration,
		UserToken: user.Token,
		Data:      datatypes.JSON(raw),
		IPAddress: truncate(ip, models.IPWidth),
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"token":      user.Token,
			"event_type": models.EventRegistration,
		}).Warn("registration audit write failed")
	}
	return nil
}

func (s *RegistrationService) toModel(in RegisterInput) (*models.User, error) {
	required := []struct{ field, value string }{
		{"token", in.Token},
		{"name", in.Name},
		{"email", in.Email},
		{"machine_id", in.MachineID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, invalid(r.field, "%s is required", r.field)
		}
	}

	organization := ""
	if in.Organization != nil {
		organization = *in.Organization
	}
	widths := []struct {
		field, value string
		width        int
	}{
		{"token", strings.TrimSpace(in.Token), models.TokenWidth},
		{"name", in.Name, models.TextWidth},
		{"email", in.Email, models.TextWidth},
		{"organization", organization, models.TextWidth},
		{"machine_id", in.MachineID, models.TextWidth},
		{"version", strings.TrimSpace(in.Version), models.VersionWidth},
	}
	for _, w := range widths {
		if err := checkWidth(w.field, w.value, w.width); err != nil {
			return nil, err
		}
	}

	now := s.now()
	registeredAt, err := parseTimestamp("registered_at", in.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if registeredAt == nil {
		registeredAt = &now
	}
	lastValidation, err := parseTimestamp("last_validation", in.LastValidation)
	if err != nil {
		return nil, err
	}
	if lastValidation == nil {
		lastValidation = &now
	}

	version := strings.TrimSpace(in.Version)
	if version == "" {
		version = models.DefaultVersion
	}

	return &models.User{
		Token:          strings.TrimSpace(in.Token),
		Name:           in.Name,
		Email:          in.Email,
		Organization:   in.Organization,
		MachineID:      in.MachineID,
		RegisteredAt:   *registeredAt,
		LastValidation: *lastValidation,
		Version:        version,
	}, nil
}
