package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/repositories"
	"github.com/aws/aws-sdk-go-v2/service/ses"
)

// testLogger discards output
func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// idSequence hands out sequential string IDs for fake rows
type idSequence struct {
	mu sync.Mutex
	n  int
}

func (s *idSequence) next(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return prefix + "-" + strconv.Itoa(s.n)
}

// MockFailedAttemptRepository is an in-memory FailedAttemptRepository. One
// mutex stands in for the identifier advisory locks.
type MockFailedAttemptRepository struct {
	lock     sync.Mutex
	mu       sync.Mutex
	ids      idSequence
	Attempts []*models.FailedAttempt

	// Err, when set, fails every read and the locked section
	Err error
}

func (m *MockFailedAttemptRepository) WithIdentifierLock(ctx context.Context, email, ipAddress string, fn func(repositories.LockedAttemptStore) error) error {
	if m.Err != nil {
		return m.Err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	return fn(m)
}

func (m *MockFailedAttemptRepository) Create(ctx context.Context, attempt *models.FailedAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *attempt
	stored.ID = m.ids.next("attempt")
	stored.Email = repositories.NormalizeEmail(stored.Email)
	m.Attempts = append(m.Attempts, &stored)
	return nil
}

func (m *MockFailedAttemptRepository) count(match func(*models.FailedAttempt) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.Attempts {
		if match(a) {
			n++
		}
	}
	return n
}

func (m *MockFailedAttemptRepository) CountByEmailSince(ctx context.Context, email string, since time.Time) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	email = repositories.NormalizeEmail(email)
	return m.count(func(a *models.FailedAttempt) bool {
		return a.Email == email && !a.CreatedAt.Before(since)
	}), nil
}

func (m *MockFailedAttemptRepository) CountByIPSince(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	return m.count(func(a *models.FailedAttempt) bool {
		return a.IPAddress == ipAddress && !a.CreatedAt.Before(since)
	}), nil
}

func (m *MockFailedAttemptRepository) HasActiveBlock(ctx context.Context, email, ipAddress string, now time.Time) (bool, error) {
	email = repositories.NormalizeEmail(email)
	return m.count(func(a *models.FailedAttempt) bool {
		return (a.Email == email || a.IPAddress == ipAddress) && a.IsBlocking(now)
	}) > 0, nil
}

func (m *MockFailedAttemptRepository) latestBlock(now time.Time, match func(*models.FailedAttempt) bool) (*models.FailedAttempt, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.FailedAttempt
	for _, a := range m.Attempts {
		if !match(a) || !a.IsBlocking(now) {
			continue
		}
		if latest == nil || a.BlockedUntil.After(*latest.BlockedUntil) {
			latest = a
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *MockFailedAttemptRepository) LatestActiveBlockByEmail(ctx context.Context, email string, now time.Time) (*models.FailedAttempt, error) {
	email = repositories.NormalizeEmail(email)
	return m.latestBlock(now, func(a *models.FailedAttempt) bool { return a.Email == email })
}

func (m *MockFailedAttemptRepository) LatestActiveBlockByIP(ctx context.Context, ipAddress string, now time.Time) (*models.FailedAttempt, error) {
	return m.latestBlock(now, func(a *models.FailedAttempt) bool { return a.IPAddress == ipAddress })
}

func (m *MockFailedAttemptRepository) remove(match func(*models.FailedAttempt) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Attempts[:0]
	var removed int64
	for _, a := range m.Attempts {
		if match(a) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.Attempts = kept
	return removed
}

func (m *MockFailedAttemptRepository) DeleteRecent(ctx context.Context, email, ipAddress string, since time.Time) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	email = repositories.NormalizeEmail(email)
	return m.remove(func(a *models.FailedAttempt) bool {
		return (a.Email == email || a.IPAddress == ipAddress) && !a.CreatedAt.Before(since)
	}), nil
}

func (m *MockFailedAttemptRepository) ActivityFeaturesSince(ctx context.Context, ipAddress string, since time.Time) (models.ActivityFeatures, error) {
	if m.Err != nil {
		return models.ActivityFeatures{}, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	emails := map[string]struct{}{}
	agents := map[string]int{}
	var f models.ActivityFeatures
	for _, a := range m.Attempts {
		if a.IPAddress != ipAddress || a.CreatedAt.Before(since) {
			continue
		}
		f.AttemptCount++
		emails[a.Email] = struct{}{}
		agents[a.UserAgent]++
		if agents[a.UserAgent] > f.TopUserAgentCount {
			f.TopUserAgentCount = agents[a.UserAgent]
		}
	}
	f.DistinctEmails = len(emails)
	return f, nil
}

func (m *MockFailedAttemptRepository) ReportTotals(ctx context.Context, since, now time.Time) (total, distinctEmails, blockedEmails, blockedIPs int, err error) {
	if m.Err != nil {
		return 0, 0, 0, 0, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	emails := map[string]struct{}{}
	lockedEmails := map[string]struct{}{}
	lockedIPs := map[string]struct{}{}
	for _, a := range m.Attempts {
		if !a.CreatedAt.Before(since) {
			total++
			emails[a.Email] = struct{}{}
		}
		if a.IsBlocking(now) {
			lockedEmails[a.Email] = struct{}{}
			lockedIPs[a.IPAddress] = struct{}{}
		}
	}
	return total, len(emails), len(lockedEmails), len(lockedIPs), nil
}

func (m *MockFailedAttemptRepository) top(since time.Time, limit int, key func(*models.FailedAttempt) string) []models.IdentifierCount {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, a := range m.Attempts {
		if !a.CreatedAt.Before(since) {
			counts[key(a)]++
		}
	}
	out := make([]models.IdentifierCount, 0, len(counts))
	for id, c := range counts {
		out = append(out, models.IdentifierCount{Identifier: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Identifier < out[j].Identifier
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MockFailedAttemptRepository) TopEmailsSince(ctx context.Context, since time.Time, limit int) ([]models.IdentifierCount, error) {
	return m.top(since, limit, func(a *models.FailedAttempt) string { return a.Email }), nil
}

func (m *MockFailedAttemptRepository) TopIPsSince(ctx context.Context, since time.Time, limit int) ([]models.IdentifierCount, error) {
	return m.top(since, limit, func(a *models.FailedAttempt) string { return a.IPAddress }), nil
}

func (m *MockFailedAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error) {
	return m.remove(func(a *models.FailedAttempt) bool {
		return a.CreatedAt.Before(cutoff) && !a.IsBlocking(now)
	}), nil
}

// MockAuditLogRepository is an in-memory AuditLogRepository
type MockAuditLogRepository struct {
	mu         sync.Mutex
	ids        idSequence
	CreateFunc func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	Logs       []*models.AuditLog
}

func (m *MockAuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *log
	stored.ID = m.ids.next("audit")
	m.Logs = append(m.Logs, &stored)
	return &stored, nil
}

// Events returns the stored event types in write order
func (m *MockAuditLogRepository) Events() []models.AuditEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEventType, len(m.Logs))
	for i, l := range m.Logs {
		out[i] = l.EventType
	}
	return out
}

// ByType returns the stored logs of one event type in write order
func (m *MockAuditLogRepository) ByType(eventType models.AuditEventType) []*models.AuditLog {
	return m.filter(func(l *models.AuditLog) bool { return l.EventType == eventType })
}

func (m *MockAuditLogRepository) filter(match func(*models.AuditLog) bool) []*models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditLog
	for _, l := range m.Logs {
		if match(l) {
			out = append(out, l)
		}
	}
	return out
}

func newestFirst(logs []*models.AuditLog) []*models.AuditLog {
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	return logs
}

func (m *MockAuditLogRepository) GetByEmail(ctx context.Context, email string, limit int) ([]*models.AuditLog, error) {
	email = repositories.NormalizeEmail(email)
	logs := newestFirst(m.filter(func(l *models.AuditLog) bool { return l.UserEmail == email }))
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (m *MockAuditLogRepository) GetByEmailAndEventSince(ctx context.Context, email string, eventType models.AuditEventType, since time.Time) ([]*models.AuditLog, error) {
	email = repositories.NormalizeEmail(email)
	return newestFirst(m.filter(func(l *models.AuditLog) bool {
		return l.UserEmail == email && l.EventType == eventType && !l.CreatedAt.Before(since)
	})), nil
}

func (m *MockAuditLogRepository) GetByIPAndEventSince(ctx context.Context, ipAddress string, eventType models.AuditEventType, since time.Time) ([]*models.AuditLog, error) {
	return newestFirst(m.filter(func(l *models.AuditLog) bool {
		return l.IPAddress == ipAddress && l.EventType == eventType && !l.CreatedAt.Before(since)
	})), nil
}

func (m *MockAuditLogRepository) CountByIPAndEventsSince(ctx context.Context, ipAddress string, eventTypes []models.AuditEventType, since time.Time) (int, *time.Time, error) {
	logs := m.filter(func(l *models.AuditLog) bool {
		if l.IPAddress != ipAddress || l.CreatedAt.Before(since) {
			return false
		}
		for _, et := range eventTypes {
			if l.EventType == et {
				return true
			}
		}
		return false
	})

	var oldest *time.Time
	for _, l := range logs {
		if oldest == nil || l.CreatedAt.Before(*oldest) {
			t := l.CreatedAt
			oldest = &t
		}
	}
	return len(logs), oldest, nil
}

func (m *MockAuditLogRepository) LoginCountsSince(ctx context.Context, since time.Time) (successful, failed, uniqueUsers int, err error) {
	users := map[string]struct{}{}
	for _, l := range m.filter(func(l *models.AuditLog) bool { return !l.CreatedAt.Before(since) }) {
		switch {
		case l.EventType == models.AuditEventLogin && l.Success:
			successful++
			users[l.UserEmail] = struct{}{}
		case l.EventType == models.AuditEventFailedLogin:
			failed++
		}
	}
	return successful, failed, len(users), nil
}

func (m *MockAuditLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Logs[:0]
	var removed int64
	for _, l := range m.Logs {
		if l.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	m.Logs = kept
	return removed, nil
}

// MockSessionRepository is an in-memory SessionRepository
type MockSessionRepository struct {
	mu       sync.Mutex
	ids      idSequence
	Sessions []*models.Session

	// Err, when set, fails validation and revocation checks
	Err error

	// CreateErr, when set, fails Create
	CreateErr error
}

func (m *MockSessionRepository) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	stored := *s
	stored.ID = m.ids.next("session")
	m.Sessions = append(m.Sessions, &stored)
	out := stored
	return &out, nil
}

func (m *MockSessionRepository) find(match func(*models.Session) bool) *models.Session {
	for _, s := range m.Sessions {
		if match(s) {
			return s
		}
	}
	return nil
}

func (m *MockSessionRepository) ValidateAndTouch(ctx context.Context, tokenHash string, now time.Time) (*models.Session, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(func(s *models.Session) bool { return s.TokenHash == tokenHash && s.IsValid(now) })
	if s == nil {
		return nil, models.ErrNotFound
	}
	s.LastActivity = now
	out := *s
	return &out, nil
}

func (m *MockSessionRepository) Touch(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(func(s *models.Session) bool { return s.TokenHash == tokenHash && s.IsActive })
	if s == nil {
		return false, nil
	}
	s.LastActivity = now
	return true, nil
}

func revokeSession(s *models.Session, reason string, now time.Time) {
	r := reason
	at := now
	s.IsActive = false
	s.LogoutReason = &r
	s.LoggedOutAt = &at
}

func (m *MockSessionRepository) RevokeByHash(ctx context.Context, tokenHash, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(func(s *models.Session) bool { return s.TokenHash == tokenHash && s.IsActive })
	if s == nil {
		return false, nil
	}
	revokeSession(s, reason, now)
	return true, nil
}

func (m *MockSessionRepository) RevokeByUser(ctx context.Context, userID string, excludeHash *string, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.Sessions {
		if s.UserID != userID || !s.IsActive {
			continue
		}
		if excludeHash != nil && s.TokenHash == *excludeHash {
			continue
		}
		revokeSession(s, reason, now)
		n++
	}
	return n, nil
}

func (m *MockSessionRepository) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.Sessions {
		if s.IsActive && !s.ExpiresAt.After(now) {
			revokeSession(s, models.LogoutReasonExpired, now)
			n++
		}
	}
	return n, nil
}

func (m *MockSessionRepository) list(match func(*models.Session) bool, limit int) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.Sessions {
		if match(s) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MockSessionRepository) ListByUserSince(ctx context.Context, userID string, since time.Time, limit int) ([]*models.Session, error) {
	return m.list(func(s *models.Session) bool {
		return s.UserID == userID && !s.CreatedAt.Before(since)
	}, limit), nil
}

func (m *MockSessionRepository) ListRecentByUser(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	return m.list(func(s *models.Session) bool { return s.UserID == userID }, limit), nil
}

func (m *MockSessionRepository) GetByIDForUser(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(func(s *models.Session) bool { return s.ID == sessionID && s.UserID == userID })
	if s == nil {
		return nil, models.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *MockSessionRepository) ExistsValid(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(s *models.Session) bool { return s.TokenHash == tokenHash && s.IsValid(now) }) != nil, nil
}

func (m *MockSessionRepository) Stats(ctx context.Context, userID *string, now time.Time) (*models.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.SessionStats
	users := map[string]struct{}{}
	ips := map[string]struct{}{}
	for _, s := range m.Sessions {
		if userID != nil && s.UserID != *userID {
			continue
		}
		stats.Total++
		switch {
		case !s.IsActive:
			stats.Revoked++
		case s.ExpiresAt.After(now):
			stats.Active++
		default:
			stats.Expired++
		}
		if s.IsRememberMe {
			stats.RememberMe++
		}
		users[s.UserID] = struct{}{}
		ips[s.IPAddress] = struct{}{}
	}
	stats.UniqueUsers = len(users)
	stats.UniqueIPs = len(ips)
	return &stats, nil
}

func (m *MockSessionRepository) DeleteInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Sessions[:0]
	var removed int64
	for _, s := range m.Sessions {
		if !s.IsActive && s.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.Sessions = kept
	return removed, nil
}

// ByHash returns a copy of the session stored for tokenHash
func (m *MockSessionRepository) ByHash(tokenHash string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(func(s *models.Session) bool { return s.TokenHash == tokenHash })
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// MockRefreshTokenRepository is an in-memory RefreshTokenRepository. One mutex
// stands in for the per-user advisory lock; writes inside WithUserLock are
// discarded when fn fails.
type MockRefreshTokenRepository struct {
	lock   sync.Mutex
	mu     sync.Mutex
	ids    idSequence
	Tokens []*models.RefreshToken
}

type refreshTokenTx struct {
	repo   *MockRefreshTokenRepository
	staged []*models.RefreshToken
	undo   []func()
}

func (m *MockRefreshTokenRepository) WithUserLock(ctx context.Context, userID string, fn func(repositories.RefreshTokenTx) error) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	tx := &refreshTokenTx{repo: m}
	if err := fn(tx); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.Tokens = append(m.Tokens, tx.staged...)
	m.mu.Unlock()
	return nil
}

func (tx *refreshTokenTx) Create(ctx context.Context, token *models.RefreshToken) error {
	stored := *token
	stored.ID = tx.repo.ids.next("refresh")
	tx.staged = append(tx.staged, &stored)
	return nil
}

func (tx *refreshTokenTx) revoke(match func(*models.RefreshToken) bool) int64 {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	var n int64
	for _, t := range tx.repo.Tokens {
		if match(t) {
			t.IsRevoked = true
			tok := t
			tx.undo = append(tx.undo, func() { tok.IsRevoked = false })
			n++
		}
	}
	return n
}

func (tx *refreshTokenTx) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return tx.revoke(func(t *models.RefreshToken) bool { return t.UserID == userID && !t.IsRevoked }), nil
}

func (tx *refreshTokenTx) RevokeValidForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	return tx.revoke(func(t *models.RefreshToken) bool { return t.UserID == userID && t.IsValid(now) }), nil
}

func (tx *refreshTokenTx) ConsumeValid(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	var consumed *models.RefreshToken
	tx.revoke(func(t *models.RefreshToken) bool {
		if consumed == nil && t.TokenHash == tokenHash && t.IsValid(now) {
			c := *t
			consumed = &c
			return true
		}
		return false
	})
	if consumed == nil {
		return nil, models.ErrNotFound
	}
	return consumed, nil
}

func (m *MockRefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Tokens {
		if t.TokenHash == tokenHash {
			out := *t
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockRefreshTokenRepository) update(match func(*models.RefreshToken) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.Tokens {
		if match(t) {
			t.IsRevoked = true
			n++
		}
	}
	return n
}

func (m *MockRefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash string) (bool, error) {
	return m.update(func(t *models.RefreshToken) bool { return t.TokenHash == tokenHash && !t.IsRevoked }) > 0, nil
}

func (m *MockRefreshTokenRepository) RevokeValidForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	return m.update(func(t *models.RefreshToken) bool { return t.UserID == userID && t.IsValid(now) }), nil
}

func (m *MockRefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	return m.update(func(t *models.RefreshToken) bool { return t.UserID == userID && !t.IsRevoked }), nil
}

func (m *MockRefreshTokenRepository) ListNonRevokedByUser(ctx context.Context, userID string) ([]*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RefreshToken
	for _, t := range m.Tokens {
		if t.UserID == userID && !t.IsRevoked {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MockRefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.Tokens[:0]
	var removed int64
	for _, t := range m.Tokens {
		if !t.ExpiresAt.After(now) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	m.Tokens = kept
	return removed, nil
}

// ValidCount counts the user's usable tokens at now
func (m *MockRefreshTokenRepository) ValidCount(userID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.Tokens {
		if t.UserID == userID && t.IsValid(now) {
			n++
		}
	}
	return n
}

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	mu                 sync.Mutex
	Users              map[string]*models.User
	GetByEmailFunc     func(ctx context.Context, email string) (*models.User, error)
	UpdatePasswordFunc func(ctx context.Context, id, passwordHash string, changedAt time.Time) error
}

func newMockUserRepository(users ...*models.User) *MockUserRepository {
	m := &MockUserRepository{Users: map[string]*models.User{}}
	for _, u := range users {
		m.Users[u.ID] = u
	}
	return m
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	email = repositories.NormalizeEmail(email)
	for _, u := range m.Users {
		if repositories.NormalizeEmail(u.Email) == email {
			out := *u
			return &out, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, passwordHash, changedAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.PasswordHash = passwordHash
	at := changedAt
	u.PasswordChangedAt = &at
	return nil
}

// MockTokenManager implements AccessTokens with predictable tokens
type MockTokenManager struct {
	mu     sync.Mutex
	n      int
	clock  func() time.Time
	expiry time.Duration
	issued map[string]*models.TokenClaims

	GenerateFunc func(user *models.User) (string, time.Time, error)
}

func newMockTokenManager(clock func() time.Time, expiry time.Duration) *MockTokenManager {
	return &MockTokenManager{clock: clock, expiry: expiry, issued: map[string]*models.TokenClaims{}}
}

func (m *MockTokenManager) GenerateAccessToken(user *models.User) (string, time.Time, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	token := "access-" + user.ID + "-" + strconv.Itoa(m.n)
	expiresAt := m.clock().Add(m.expiry)
	m.issued[token] = &models.TokenClaims{
		Type:   models.TokenTypeAccess,
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
	}
	return token, expiresAt, nil
}

func (m *MockTokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claims, ok := m.issued[tokenString]
	if !ok {
		return nil, models.ErrUnauthorized
	}
	out := *claims
	return &out, nil
}

// MockSecurityNotifier records notifications
type MockSecurityNotifier struct {
	mu               sync.Mutex
	LockedEmails     []string
	SuspiciousLogins []string
	Err              error
}

func (m *MockSecurityNotifier) NotifyAccountLocked(ctx context.Context, email string, blockedUntil time.Time, req *models.RequestContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LockedEmails = append(m.LockedEmails, email)
	return m.Err
}

func (m *MockSecurityNotifier) NotifySuspiciousLogin(ctx context.Context, user *models.User, reasons []string, req *models.RequestContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SuspiciousLogins = append(m.SuspiciousLogins, user.ID)
	return m.Err
}

// MockSESClient records SendEmail calls
type MockSESClient struct {
	Inputs        []*ses.SendEmailInput
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESClient) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.Inputs = append(m.Inputs, params)
	if m.SendEmailFunc != nil {
		return m.SendEmailFunc(ctx, params, optFns...)
	}
	return &ses.SendEmailOutput{}, nil
}
