package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
)

// NotificationKind labels registration lifecycle notifications.
type NotificationKind string

const (
	NotifyEnrolled        NotificationKind = "ENROLLED"
	NotifyWaitlisted      NotificationKind = "WAITLISTED"
	NotifyPromoted        NotificationKind = "PROMOTED"
	NotifyPendingApproval NotificationKind = "PENDING_APPROVAL"
	NotifyUnregistered    NotificationKind = "UNREGISTERED"
	NotifyDeclined        NotificationKind = "DECLINED"
)

// Notification carries everything a transport needs to render a message.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	UserID         string           `json:"user_id"`
	SessionID      string           `json:"session_id"`
	SessionName    string           `json:"session_name"`
	RegistrationID string           `json:"registration_id"`
}

// Notifier delivers registration lifecycle notifications. Delivery is best
// effort; failures are logged, never surfaced to callers.
type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// CalendarSync mirrors enrollments into an external calendar.
type CalendarSync interface {
	Upsert(ctx context.Context, userID string, session *models.Session) error
	Remove(ctx context.Context, userID string, session *models.Session) error
}

// LogNotifier writes notifications to the application log. It stands in
// until a real mail or chat transport is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (n *LogNotifier) Send(_ context.Context, notification Notification) error {
	n.logger.Info("notification",
		zap.String("kind", string(notification.Kind)),
		zap.String("user_id", notification.UserID),
		zap.String("session_id", notification.SessionID),
		zap.String("registration_id", notification.RegistrationID))
	return nil
}

// LogCalendarSync logs calendar updates instead of calling a provider.
type LogCalendarSync struct {
	logger *zap.Logger
}

// NewLogCalendarSync constructs LogCalendarSync.
func NewLogCalendarSync(logger *zap.Logger) *LogCalendarSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogCalendarSync{logger: logger}
}

// Upsert implements CalendarSync.
func (c *LogCalendarSync) Upsert(_ context.Context, userID string, session *models.Session) error {
	c.logger.Info("calendar upsert", zap.String("user_id", userID), zap.String("session_id", session.ID))
	return nil
}

// Remove implements CalendarSync.
func (c *LogCalendarSync) Remove(_ context.Context, userID string, session *models.Session) error {
	c.logger.Info("calendar remove", zap.String("user_id", userID), zap.String("session_id", session.ID))
	return nil
}
