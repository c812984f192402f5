package main

import (
	"net/http"

	"gorm.io/gorm"
)

// App bundles the banking services behind one constructor so embedding
// programs wire the core in a single call.
type App struct {
	DB       *gorm.DB
	Config   *Config
	Products *Products

	Accounts  *AccountService
	Ledger    *AccountLedger
	Transfers *TransferService
	Interest  *InterestService
	Auth      *AuthService
	Sessions  *SessionManager
	Audit     *AuditService

	logger Logger
}

func NewApp(db *gorm.DB, config *Config, products *Products, sessions *SessionManager, audit *AuditService, clock Clock, metrics *Metrics, logger Logger) *App {
	accounts := NewAccountService(db, products, audit, clock, metrics)
	return &App{
		DB:        db,
		Config:    config,
		Products:  products,
		Accounts:  accounts,
		Ledger:    NewAccountLedger(db),
		Transfers: NewTransferService(db, accounts, clock, metrics),
		Interest:  NewInterestService(db, accounts, config.AccrualPeriodsPerYear, clock, metrics, logger),
		Auth:      NewAuthService(db, sessions, audit, config, clock, metrics, logger),
		Sessions:  sessions,
		Audit:     audit,
		logger:    logger,
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		a.logger.Error("health check failed", "error", err)
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
