package main

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditSeverity grades audit records. Critical records are exempt from
// retention pruning.
type AuditSeverity string

const (
	AuditSeverityInfo     AuditSeverity = "info"
	AuditSeverityWarning  AuditSeverity = "warning"
	AuditSeverityCritical AuditSeverity = "critical"
)

type AuditCategory string

const (
	AuditCategoryAuthentication AuditCategory = "authentication"
	AuditCategoryAccount        AuditCategory = "account"
	AuditCategorySecurity       AuditCategory = "security"
)

// Audit event types.
const (
	AuditEventLoginSuccess   = "LOGIN_SUCCESS"
	AuditEventLoginFailed    = "LOGIN_FAILED"
	AuditEventLogout         = "LOGOUT"
	AuditEventSessionTimeout = "SESSION_TIMEOUT"
	AuditEventAccountLocked  = "ACCOUNT_LOCKED"
	AuditEventAccountCreated = "ACCOUNT_CREATED"
	AuditEventAccountClosed  = "ACCOUNT_CLOSED"
)

// AuditRecord is one row of the security audit trail. Rows are append-only;
// the retention sweep is the only deleter.
type AuditRecord struct {
	ID          uint           `gorm:"primaryKey"`
	EventType   string         `gorm:"column:event_type;size:32;not null;index"`
	Category    AuditCategory  `gorm:"column:category;size:20;not null"`
	Severity    AuditSeverity  `gorm:"column:severity;size:10;not null;index"`
	UserID      *uint          `gorm:"column:user_id;index"`
	Username    string         `gorm:"column:username;size:50"`
	Description string         `gorm:"column:description;size:255"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:text"`
	CreatedAt   time.Time      `gorm:"index"`
}

func (AuditRecord) TableName() string {
	return "audit_logs"
}

// AuditService persists the security audit trail. Recording is best effort:
// a failed insert is logged and never fails the operation being audited, and
// every method tolerates a nil receiver so callers need no wiring checks.
type AuditService struct {
	db            *gorm.DB
	retentionDays int
	clock         Clock
	logger        Logger
}

func NewAuditService(db *gorm.DB, retentionDays int, clock Clock, logger Logger) *AuditService {
	if clock == nil {
		clock = systemClock
	}
	return &AuditService{
		db:            db,
		retentionDays: retentionDays,
		clock:         clock,
		logger:        logger.NewSystem("audit"),
	}
}

func (s *AuditService) record(eventType string, category AuditCategory, severity AuditSeverity, userID *uint, username, description string, metadata map[string]any) {
	if s == nil {
		return
	}
	rec := &AuditRecord{
		EventType:   eventType,
		Category:    category,
		Severity:    severity,
		UserID:      userID,
		Username:    username,
		Description: description,
		CreatedAt:   s.clock(),
	}
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			rec.Metadata = datatypes.JSON(raw)
		}
	}
	if err := s.db.Create(rec).Error; err != nil {
		s.logger.Error("failed to write audit record", "eventType", eventType, "error", err)
	}
}

func (s *AuditService) LoginSucceeded(userID uint, username string) {
	s.record(AuditEventLoginSuccess, AuditCategoryAuthentication, AuditSeverityInfo,
		&userID, username, "user logged in", nil)
}

func (s *AuditService) LoginFailed(username string, attempts int) {
	s.record(AuditEventLoginFailed, AuditCategoryAuthentication, AuditSeverityWarning,
		nil, username, "failed login attempt", map[string]any{"failed_attempts": attempts})
}

func (s *AuditService) Lockout(userID uint, username string, until time.Time) {
	s.record(AuditEventAccountLocked, AuditCategorySecurity, AuditSeverityCritical,
		&userID, username, "user locked out after repeated failed logins",
		map[string]any{"locked_until": until.UTC().Format(time.RFC3339)})
}

func (s *AuditService) LoggedOut(userID uint, username string) {
	s.record(AuditEventLogout, AuditCategoryAuthentication, AuditSeverityInfo,
		&userID, username, "user logged out", nil)
}

func (s *AuditService) SessionTimedOut(userID uint, username string) {
	s.record(AuditEventSessionTimeout, AuditCategoryAuthentication, AuditSeverityInfo,
		&userID, username, "session expired after inactivity", nil)
}

func (s *AuditService) AccountOpened(account *Account) {
	s.record(AuditEventAccountCreated, AuditCategoryAccount, AuditSeverityInfo,
		&account.UserID, "", "account opened",
		map[string]any{"account_number": account.Number, "account_type": string(account.Type)})
}

func (s *AuditService) AccountClosed(account *Account) {
	s.record(AuditEventAccountClosed, AuditCategoryAccount, AuditSeverityInfo,
		&account.UserID, "", "account closed",
		map[string]any{"account_number": account.Number, "account_type": string(account.Type)})
}

// AuditFilter narrows a Search. Zero-valued fields match everything.
type AuditFilter struct {
	EventType string
	Category  AuditCategory
	Severity  AuditSeverity
	UserID    *uint
	From      *time.Time
	To        *time.Time
	Limit     int
}

// Search returns matching audit records, newest first.
func (s *AuditService) Search(filter AuditFilter) ([]AuditRecord, error) {
	query := s.db.Model(&AuditRecord{})
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []AuditRecord
	if err := query.Order("created_at DESC").Order("id DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// PruneExpired deletes audit records older than the retention window and
// returns how many were removed. Critical records are kept regardless of age.
func (s *AuditService) PruneExpired() (int64, error) {
	cutoff := s.clock().AddDate(0, 0, -s.retentionDays)
	res := s.db.
		Where("created_at < ? AND severity <> ?", cutoff, AuditSeverityCritical).
		Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("pruned audit records", "removed", res.RowsAffected, "cutoff", cutoff)
	}
	return res.RowsAffected, nil
}
