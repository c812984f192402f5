package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func newTestAuditService(db *gorm.DB, clock *testClock) *AuditService {
	return NewAuditService(db, 90, clock.Now, NewLogger("test"))
}

func auditRecords(t *testing.T, db *gorm.DB, eventType string) []AuditRecord {
	t.Helper()
	var records []AuditRecord
	require.NoError(t, db.Where("event_type = ?", eventType).Order("id ASC").Find(&records).Error)
	return records
}

func TestAuditService_RecordAndSearch(t *testing.T) {
	start := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	db, cleanup := setupTestDB(t)
	defer cleanup()
	clock := newTestClock(start)
	audit := newTestAuditService(db, clock)

	audit.LoginFailed("mallory", 1)
	clock.Advance(time.Minute)
	audit.LoginSucceeded(7, "alice")
	clock.Advance(time.Minute)
	audit.Lockout(9, "mallory", start.Add(15*time.Minute))

	t.Run("FilterBySeverity", func(t *testing.T) {
		records, err := audit.Search(AuditFilter{Severity: AuditSeverityCritical})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, AuditEventAccountLocked, records[0].EventType)
		assert.Equal(t, "mallory", records[0].Username)
	})

	t.Run("FilterByCategory", func(t *testing.T) {
		records, err := audit.Search(AuditFilter{Category: AuditCategoryAuthentication})
		require.NoError(t, err)
		require.Len(t, records, 2)
		// Newest first.
		assert.Equal(t, AuditEventLoginSuccess, records[0].EventType)
		assert.Equal(t, AuditEventLoginFailed, records[1].EventType)
	})

	t.Run("FilterByUser", func(t *testing.T) {
		userID := uint(7)
		records, err := audit.Search(AuditFilter{UserID: &userID})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "alice", records[0].Username)
	})

	t.Run("FilterByTimeRange", func(t *testing.T) {
		from := start.Add(30 * time.Second)
		to := start.Add(90 * time.Second)
		records, err := audit.Search(AuditFilter{From: &from, To: &to})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, AuditEventLoginSuccess, records[0].EventType)
	})

	t.Run("Limit", func(t *testing.T) {
		records, err := audit.Search(AuditFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, AuditEventAccountLocked, records[0].EventType)
	})

	t.Run("MetadataPersisted", func(t *testing.T) {
		records := auditRecords(t, db, AuditEventLoginFailed)
		require.Len(t, records, 1)
		assert.JSONEq(t, `{"failed_attempts": 1}`, string(records[0].Metadata))
	})
}

func TestAuditService_PruneExpired(t *testing.T) {
	start := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	db, cleanup := setupTestDB(t)
	defer cleanup()
	clock := newTestClock(start)
	audit := newTestAuditService(db, clock)

	audit.LoginFailed("mallory", 1)
	audit.Lockout(9, "mallory", start.Add(15*time.Minute))
	clock.Advance(91 * 24 * time.Hour)
	audit.LoginSucceeded(7, "alice")

	removed, err := audit.PruneExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// The stale warning is gone, the critical record survives regardless of
	// age and the recent record is untouched.
	assert.Empty(t, auditRecords(t, db, AuditEventLoginFailed))
	assert.Len(t, auditRecords(t, db, AuditEventAccountLocked), 1)
	assert.Len(t, auditRecords(t, db, AuditEventLoginSuccess), 1)

	removed, err = audit.PruneExpired()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestAuditService_AuthenticationTrail(t *testing.T) {
	start := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	db, cleanup := setupTestDB(t)
	defer cleanup()
	clock := newTestClock(start)
	audit := newTestAuditService(db, clock)
	cfg := &Config{
		JWTSecret:        "test-secret-key",
		LockoutThreshold: 3,
		LockoutDuration:  15 * time.Minute,
		BcryptCost:       bcrypt.MinCost,
	}
	sessions := NewSessionManager(15*time.Minute, time.Minute, time.Hour, nil, audit, clock.Now, newTestMetrics(), NewLogger("test"))
	t.Cleanup(sessions.Stop)
	auth := NewAuthService(db, sessions, audit, cfg, clock.Now, newTestMetrics(), NewLogger("test"))

	user := registerTestUser(t, auth, "alice")

	session, _, err := auth.Login("alice", testPassword)
	require.NoError(t, err)

	successes := auditRecords(t, db, AuditEventLoginSuccess)
	require.Len(t, successes, 1)
	require.NotNil(t, successes[0].UserID)
	assert.Equal(t, user.ID, *successes[0].UserID)

	require.NoError(t, sessions.Logout(session.Token))
	assert.Len(t, auditRecords(t, db, AuditEventLogout), 1)

	_, _, err = auth.Login("alice", "Wr0ng!pass")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, _, err = auth.Login("alice", "Wr0ng!pass")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, _, err = auth.Login("alice", "Wr0ng!pass")
	require.ErrorIs(t, err, ErrAccountLocked)

	assert.Len(t, auditRecords(t, db, AuditEventLoginFailed), 2)
	lockouts := auditRecords(t, db, AuditEventAccountLocked)
	require.Len(t, lockouts, 1)
	assert.Equal(t, AuditSeverityCritical, lockouts[0].Severity)
}

func TestAuditService_SessionTimeoutTrail(t *testing.T) {
	start := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	db, cleanup := setupTestDB(t)
	defer cleanup()
	clock := newTestClock(start)
	audit := newTestAuditService(db, clock)
	sessions := NewSessionManager(15*time.Minute, time.Minute, time.Hour, nil, audit, clock.Now, newTestMetrics(), NewLogger("test"))
	t.Cleanup(sessions.Stop)

	sessions.Create(7, "alice")
	clock.Advance(16 * time.Minute)
	sessions.Sweep()

	timeouts := auditRecords(t, db, AuditEventSessionTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "alice", timeouts[0].Username)
}

func TestAuditService_AccountTrail(t *testing.T) {
	start := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	db, cleanup := setupTestDB(t)
	defer cleanup()
	clock := newTestClock(start)
	audit := newTestAuditService(db, clock)
	accounts := NewAccountService(db, DefaultProducts(), audit, clock.Now, newTestMetrics())
	user := createTestUser(t, db, "alice")

	account, err := accounts.Open(user.ID, AccountTypeChecking, dec("100"))
	require.NoError(t, err)
	require.NoError(t, accounts.Close(account.ID))

	created := auditRecords(t, db, AuditEventAccountCreated)
	require.Len(t, created, 1)
	assert.JSONEq(t, `{"account_number": "`+account.Number+`", "account_type": "checking"}`, string(created[0].Metadata))

	closed := auditRecords(t, db, AuditEventAccountClosed)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].UserID)
	assert.Equal(t, user.ID, *closed[0].UserID)
}
