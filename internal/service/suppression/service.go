package suppression

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/coldreach/internal/domain"
	"github.com/ignite/coldreach/internal/pkg/logger"
)

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Normalize lower-cases and trims an address; every lookup goes through it.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsSuppressed checks whether an email address must not receive mail.
func (s *Service) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	return s.repo.IsSuppressed(ctx, orgID, Normalize(email))
}

// Entry describes a suppression to record.
type Entry struct {
	Email      string
	Reason     domain.SuppressionReason
	Source     domain.SuppressionSource
	CampaignID string
	SequenceID string
	EventID    string
}

// Suppress adds an email to the list. Idempotent: if the email is already
// suppressed, the existing record is preserved.
func (s *Service) Suppress(ctx context.Context, orgID string, in Entry) error {
	email := Normalize(in.Email)
	if email == "" {
		return ErrEmailMissing
	}

	hash := md5.Sum([]byte(email))
	entry := &domain.Suppression{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Email:          email,
		MD5Hash:        hex.EncodeToString(hash[:]),
		Reason:         in.Reason,
		Source:         in.Source,
		CampaignID:     in.CampaignID,
		SequenceID:     in.SequenceID,
		EventID:        in.EventID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.Suppress(ctx, entry); err != nil {
		return err
	}
	logger.Info("suppression recorded", "email", email, "reason", in.Reason, "source", in.Source)
	return nil
}

// SuppressFromEvent records the suppression implied by a bounce,
// complaint or unsubscribe event. Other event types are ignored.
func (s *Service) SuppressFromEvent(ctx context.Context, email string, e *domain.Event) error {
	reason, ok := domain.ReasonForEvent(e.Type)
	if !ok {
		return nil
	}
	return s.Suppress(ctx, e.OrganizationID, Entry{
		Email:      email,
		Reason:     reason,
		Source:     domain.SourceTracking,
		CampaignID: e.CampaignID,
		SequenceID: e.SequenceID,
		EventID:    e.ID,
	})
}

// Remove deletes a suppression entry.
func (s *Service) Remove(ctx context.Context, orgID, email string) error {
	email = Normalize(email)
	if email == "" {
		return ErrEmailMissing
	}
	return s.repo.Remove(ctx, orgID, email)
}

// List returns suppression entries matching the given filter.
func (s *Service) List(ctx context.Context, orgID string, filter ListFilter) ([]domain.Suppression, int, error) {
	return s.repo.List(ctx, orgID, filter)
}

// Count returns the total number of suppressed emails for an organization.
func (s *Service) Count(ctx context.Context, orgID string) (int, error) {
	return s.repo.Count(ctx, orgID)
}

// Stats returns aggregate counts grouped by reason and source.
type Stats struct {
	Total       int            `json:"total"`
	ByReason    map[string]int `json:"by_reason"`
	BySource    map[string]int `json:"by_source"`
	Last24Hours int            `json:"last_24_hours"`
}

// GetStats computes suppression statistics.
func (s *Service) GetStats(ctx context.Context, orgID string) (*Stats, error) {
	entries, total, err := s.repo.List(ctx, orgID, ListFilter{Limit: 0})
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-24 * time.Hour)
	stats := &Stats{
		Total:    total,
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
	}
	for _, e := range entries {
		stats.ByReason[string(e.Reason)]++
		stats.BySource[string(e.Source)]++
		if e.CreatedAt.After(cutoff) {
			stats.Last24Hours++
		}
	}
	return stats, nil
}
