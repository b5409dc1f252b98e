// Package notify keeps per-user notifications in durable storage with a
// time-to-live. Delivery to browsers is someone else's job; this package
// only records, lists and expires them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"guildhall/fault"
	"guildhall/metrics"
)

// DefaultTTL applies when the service is built without one.
const DefaultTTL = 7 * 24 * time.Hour

var ErrNotFound = fault.New(fault.ErrNotFound, "notify: notification not found")

// Kind groups notifications for display.
type Kind string

const (
	KindDisputeRaised   Kind = "dispute_raised"
	KindDisputeEvidence Kind = "dispute_evidence"
	KindAIAdvisory      Kind = "ai_advisory"
	KindJurorSelected   Kind = "juror_selected"
	KindDisputeResolved Kind = "dispute_resolved"
	KindRankChanged     Kind = "rank_changed"
)

// Notification mirrors the notifications table.
type Notification struct {
	ID        string
	UserID    string
	Kind      Kind
	Message   string
	Reference string
	Read      bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists notifications.
type Store interface {
	InsertNotification(ctx context.Context, n Notification) error
	// ListNotifications returns unexpired notifications for userID, newest
	// first.
	ListNotifications(ctx context.Context, userID string, now time.Time, limit int) ([]Notification, error)
	// MarkNotificationRead reports false when no such notification belongs to userID.
	MarkNotificationRead(ctx context.Context, userID, id string) (bool, error)
	PurgeNotifications(ctx context.Context, before time.Time) (int64, error)
}

// Message is what callers hand to Push.
type Message struct {
	UserID    string
	Kind      Kind
	Text      string
	Reference string
}

// Service writes and reads notifications.
type Service struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Push stores one notification per distinct, non-empty recipient.
func (s *Service) Push(ctx context.Context, st Store, msgs ...Message) error {
	now := s.now().UTC()
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		key := m.UserID + "|" + string(m.Kind) + "|" + m.Reference
		if m.UserID == "" || seen[key] {
			continue
		}
		seen[key] = true
		n := Notification{
			ID:        s.newID(),
			UserID:    m.UserID,
			Kind:      m.Kind,
			Message:   strings.TrimSpace(m.Text),
			Reference: m.Reference,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		if err := st.InsertNotification(ctx, n); err != nil {
			return fmt.Errorf("notify: insert: %w", err)
		}
	}
	return nil
}

// List returns the user's live notifications.
func (s *Service) List(ctx context.Context, st Store, userID string, limit int) ([]Notification, error) {
	if userID == "" {
		return nil, fault.New(fault.ErrValidation, "notify: user id is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	out, err := st.ListNotifications(ctx, userID, s.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	return out, nil
}

// MarkRead flags one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, st Store, userID, id string) error {
	ok, err := st.MarkNotificationRead(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("notify: mark read: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Purge deletes every notification that has expired.
func (s *Service) Purge(ctx context.Context, st Store) (int64, error) {
	n, err := st.PurgeNotifications(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("notify: purge: %w", err)
	}
	metrics.RecordNotificationsPurged(n)
	if n > 0 {
		s.logger.Info("expired notifications purged", "count", n)
	}
	return n, nil
}
