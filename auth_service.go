package main

import (
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const jwtIssuer = "bankd"

// AuthService authenticates users and guards logins with a per-user lockout:
// repeated failures set a lock-until timestamp on the user row, so the state
// survives restarts. Successful logins open a session and return a signed
// bearer token wrapping the session token.
type AuthService struct {
	db       *gorm.DB
	sessions *SessionManager
	audit    *AuditService

	lockoutThreshold int
	lockoutDuration  time.Duration
	bcryptCost       int
	jwtSecret        []byte

	clock    Clock
	metrics  *Metrics
	logger   Logger
	validate *validator.Validate
}

func NewAuthService(db *gorm.DB, sessions *SessionManager, audit *AuditService, cfg *Config, clock Clock, metrics *Metrics, logger Logger) *AuthService {
	if clock == nil {
		clock = systemClock
	}
	return &AuthService{
		db:               db,
		sessions:         sessions,
		audit:            audit,
		lockoutThreshold: cfg.LockoutThreshold,
		lockoutDuration:  cfg.LockoutDuration,
		bcryptCost:       cfg.BcryptCost,
		jwtSecret:        []byte(cfg.JWTSecret),
		clock:            clock,
		metrics:          metrics,
		logger:           logger.NewSystem("auth"),
		validate:         validator.New(),
	}
}

// RegisterParams is the input for creating a user.
type RegisterParams struct {
	Username string `validate:"required,min=3,max=50,alphanum"`
	Password string `validate:"required"`
	FullName string `validate:"required,max=100"`
	Email    string `validate:"omitempty,email"`
}

// Register creates a user after validating the input and the password
// policy. Usernames are unique; the password is stored as a bcrypt hash.
func (s *AuthService) Register(params RegisterParams) (*User, error) {
	if err := s.validate.Struct(&params); err != nil {
		return nil, err
	}
	if err := validatePasswordPolicy(params.Password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	user := &User{
		Username:     params.Username,
		PasswordHash: string(hash),
		FullName:     params.FullName,
		Email:        params.Email,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("username = ?", params.Username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return domainErrorf(ErrUsernameTaken, "username %q is not available", params.Username)
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", "username", user.Username, "userID", user.ID)
	return user, nil
}

// Login verifies credentials and opens a session. Failed attempts increment
// the user's counter; the attempt that reaches the threshold locks the user
// out, and attempts during the lockout window fail with ErrAccountLocked even
// with correct credentials. A lockout that has elapsed resets the counter on
// the next attempt; a success always resets it.
func (s *AuthService) Login(username, password string) (*Session, string, error) {
	session, token, err := s.login(username, password)
	s.metrics.countAuthAttempt(err)
	return session, token, err
}

// login deliberately runs outside a transaction: the failed-attempt counter
// and the lock-until timestamp must persist even though the attempt itself
// errors, and the session enters the in-memory registry only after the user
// row is safely written.
func (s *AuthService) login(username, password string) (*Session, string, error) {
	now := s.clock()

	user, err := getUserByUsername(s.db, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", domainErrorf(ErrAuthenticationFailed, "unknown username or wrong password")
	}
	if err != nil {
		return nil, "", err
	}

	if user.LockedUntil != nil {
		if now.Before(*user.LockedUntil) {
			return nil, "", domainErrorf(ErrAccountLocked, "locked until %s", user.LockedUntil.Format(time.RFC3339))
		}
		// Lockout elapsed: this attempt starts from a clean counter.
		user.LockedUntil = nil
		user.FailedLoginAttempts = 0
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		user.FailedLoginAttempts++
		if user.FailedLoginAttempts >= s.lockoutThreshold {
			until := now.Add(s.lockoutDuration)
			user.LockedUntil = &until
		}
		if err := s.db.Save(user).Error; err != nil {
			return nil, "", err
		}
		if user.LockedUntil != nil {
			s.metrics.countLockout()
			s.audit.Lockout(user.ID, username, *user.LockedUntil)
			s.logger.Warn("user locked out", "username", username, "until", *user.LockedUntil)
			return nil, "", domainErrorf(ErrAccountLocked, "too many failed attempts, locked until %s", user.LockedUntil.Format(time.RFC3339))
		}
		s.audit.LoginFailed(username, user.FailedLoginAttempts)
		return nil, "", domainErrorf(ErrAuthenticationFailed, "unknown username or wrong password")
	}

	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	if err := s.db.Save(user).Error; err != nil {
		return nil, "", err
	}

	session := s.sessions.Create(user.ID, user.Username)
	token, err := s.signSessionToken(session)
	if err != nil {
		_ = s.sessions.Logout(session.Token)
		return nil, "", err
	}
	s.audit.LoginSucceeded(user.ID, user.Username)
	return session, token, nil
}

// SessionClaims is the JWT payload issued at login. The in-memory session
// registry stays authoritative for expiry; the JWT only binds the bearer to
// a session token.
type SessionClaims struct {
	UserID       uint   `json:"uid"`
	SessionToken string `json:"sid"`
	jwt.RegisteredClaims
}

func (s *AuthService) signSessionToken(session *Session) (string, error) {
	now := s.clock()
	claims := SessionClaims{
		UserID:       session.UserID,
		SessionToken: session.Token.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// VerifySessionToken parses a bearer token and resolves it against the live
// session registry. A token whose session has expired or logged out fails
// with ErrSessionExpired regardless of the JWT's own expiry.
func (s *AuthService) VerifySessionToken(tokenString string) (SessionInfo, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(jwtIssuer), jwt.WithTimeFunc(func() time.Time { return s.clock() }))
	if err != nil {
		return SessionInfo{}, domainErrorf(ErrAuthenticationFailed, "invalid token")
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return SessionInfo{}, domainErrorf(ErrAuthenticationFailed, "invalid token claims")
	}

	sessionToken, err := uuid.Parse(claims.SessionToken)
	if err != nil {
		return SessionInfo{}, domainErrorf(ErrAuthenticationFailed, "invalid session reference")
	}
	return s.sessions.Get(sessionToken)
}

// IsLocked reports whether a user is currently locked out and until when.
func (s *AuthService) IsLocked(username string) (bool, *time.Time, error) {
	user, err := getUserByUsername(s.db, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if user.LockedUntil == nil || !s.clock().Before(*user.LockedUntil) {
		return false, nil, nil
	}
	return true, user.LockedUntil, nil
}

// validatePasswordPolicy enforces the minimum credential strength: at least
// 8 characters with upper case, lower case, a digit and a special character.
func validatePasswordPolicy(password string) error {
	if len(password) < 8 {
		return domainErrorf(ErrWeakPassword, "must be at least 8 characters")
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	switch {
	case !upper:
		return domainErrorf(ErrWeakPassword, "must contain an upper-case letter")
	case !lower:
		return domainErrorf(ErrWeakPassword, "must contain a lower-case letter")
	case !digit:
		return domainErrorf(ErrWeakPassword, "must contain a digit")
	case !special:
		return domainErrorf(ErrWeakPassword, "must contain a special character")
	}
	return nil
}
