package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
	appErrors "github.com/noah-isme/session-reg-api/pkg/errors"
)

// sessionLocks hands out one mutex per session so that all state machine
// operations on a session run serialized. Entries are never evicted; the
// session population is small and bounded.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *sessionLocks) get(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

type ledgerCounts interface {
	CountEnrolled(ctx context.Context, sessionID string) (int, error)
	CountWaitlisted(ctx context.Context, sessionID string) (int, error)
	CountForcedEnrolled(ctx context.Context, sessionID string) (int, error)
}

type rankSource interface {
	NextWaitlistRank(ctx context.Context, id string) (int64, error)
}

// LedgerService is the capacity ledger. It owns the per-session locks and
// answers seat availability questions from authoritative counts.
type LedgerService struct {
	counts ledgerCounts
	ranks  rankSource
	locks  *sessionLocks
	logger *zap.Logger
}

// NewLedgerService constructs LedgerService.
func NewLedgerService(counts ledgerCounts, ranks rankSource, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{counts: counts, ranks: ranks, locks: newSessionLocks(), logger: logger}
}

// WithSession runs fn while holding the session's lock. Every mutation of a
// session's registrations must go through here.
func (l *LedgerService) WithSession(sessionID string, fn func() error) error {
	m := l.locks.get(sessionID)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// SeatAvailable reports whether the session can take one more enrollment.
// Callers must hold the session lock. Enrollment beyond capacity that is
// not covered by force-overbooked rows fails with ErrLedgerConflict.
func (l *LedgerService) SeatAvailable(ctx context.Context, session *models.Session) (bool, error) {
	if session.Unlimited() {
		return true, nil
	}
	enrolled, err := l.counts.CountEnrolled(ctx, session.ID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
	}
	if enrolled < session.Capacity {
		return true, nil
	}
	if enrolled > session.Capacity {
		forced, err := l.counts.CountForcedEnrolled(ctx, session.ID)
		if err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count forced enrollments")
		}
		if enrolled-session.Capacity > forced {
			l.logger.Error("capacity invariant violated",
				zap.String("session_id", session.ID),
				zap.Int("enrolled", enrolled),
				zap.Int("capacity", session.Capacity),
				zap.Int("forced", forced))
			return false, appErrors.Clone(appErrors.ErrLedgerConflict, "")
		}
	}
	return false, nil
}

// NextRank allocates the next waitlist rank for the session. Ranks grow
// monotonically and are never reused.
func (l *LedgerService) NextRank(ctx context.Context, sessionID string) (int64, error) {
	rank, err := l.ranks.NextWaitlistRank(ctx, sessionID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate waitlist rank")
	}
	return rank, nil
}

// WaitlistLength returns the current number of waitlisted registrations.
func (l *LedgerService) WaitlistLength(ctx context.Context, sessionID string) (int, error) {
	count, err := l.counts.CountWaitlisted(ctx, sessionID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count waitlist")
	}
	return count, nil
}
