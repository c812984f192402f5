package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// accountLocks serializes mutations per account so two concurrent withdrawals
// cannot both pass the balance check against a stale balance.
type accountLocks struct {
	mu sync.Map // accountID -> *sync.Mutex
}

func (t *accountLocks) lock(accountID uint) *sync.Mutex {
	actual, _ := t.mu.LoadOrStore(accountID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// AccountService handles the business logic for account operations: opening,
// deposits, withdrawals and closing. Every accepted mutation updates the
// account row and appends the matching ledger entry in one gorm transaction,
// so the account balance and the ledger's latest balance_after never diverge.
type AccountService struct {
	db       *gorm.DB
	products *Products
	audit    *AuditService
	clock    Clock
	metrics  *Metrics
	locks    *accountLocks
}

func NewAccountService(db *gorm.DB, products *Products, audit *AuditService, clock Clock, metrics *Metrics) *AccountService {
	if clock == nil {
		clock = systemClock
	}
	return &AccountService{
		db:       db,
		products: products,
		audit:    audit,
		clock:    clock,
		metrics:  metrics,
		locks:    &accountLocks{},
	}
}

// Open creates an account of the given type for a user, freezing the current
// product parameters onto the row. A positive initial deposit is posted as
// the first ledger entry; credit accounts must open with a zero balance.
func (s *AccountService) Open(userID uint, accountType AccountType, initialDeposit decimal.Decimal) (*Account, error) {
	now := s.clock()
	account := &Account{
		UserID:          userID,
		Type:            accountType,
		Status:          AccountStatusActive,
		Balance:         decimal.Zero,
		OverdraftLimit:  decimal.Zero,
		InterestRate:    decimal.Zero,
		MinimumBalance:  decimal.Zero,
		CreditLimit:     decimal.Zero,
		WithdrawalCycle: cycleKey(now),
	}

	switch accountType {
	case AccountTypeChecking:
		account.OverdraftLimit = s.products.Checking.OverdraftLimit
	case AccountTypeSavings:
		account.InterestRate = s.products.Savings.InterestRate
		account.MinimumBalance = s.products.Savings.MinimumBalance
		account.WithdrawalLimit = s.products.Savings.WithdrawalLimit
	case AccountTypeCredit:
		account.CreditLimit = s.products.Credit.CreditLimit
		account.InterestRate = s.products.Credit.AnnualRate
	default:
		return nil, fmt.Errorf("unknown account type: %s", accountType)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		number, err := generateAccountNumber(tx)
		if err != nil {
			return err
		}
		account.Number = number

		if err := tx.Create(account).Error; err != nil {
			return err
		}

		if initialDeposit.IsZero() {
			return nil
		}
		return s.applyDeposit(tx, account, initialDeposit, TransactionTypeDeposit, "", "Initial deposit", nil, now)
	})
	if err != nil {
		return nil, err
	}
	s.audit.AccountOpened(account)
	return account, nil
}

// Deposit credits an account. For credit accounts this is a payment toward
// the owed balance; a payment exceeding the debt is rejected.
func (s *AccountService) Deposit(accountID uint, amount decimal.Decimal, category, description string) (*Transaction, error) {
	mu := s.locks.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	var entry *Transaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := getAccountByID(tx, accountID)
		if err != nil {
			return err
		}

		if err := s.applyDeposit(tx, account, amount, TransactionTypeDeposit, category, description, nil, s.clock()); err != nil {
			return err
		}
		entry, err = s.lastAppliedEntry(tx, account)
		return err
	})
	s.metrics.countDeposit(err)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Withdraw debits an account under its type rules. For credit accounts the
// withdrawal is a purchase increasing the owed balance.
func (s *AccountService) Withdraw(accountID uint, amount decimal.Decimal, category, description string) (*Transaction, error) {
	mu := s.locks.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	var entry *Transaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := getAccountByID(tx, accountID)
		if err != nil {
			return err
		}

		if err := s.applyWithdrawal(tx, account, amount, TransactionTypeWithdrawal, category, description, nil, s.clock()); err != nil {
			return err
		}
		entry, err = s.lastAppliedEntry(tx, account)
		return err
	})
	s.metrics.countWithdrawal(err)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Close flips an account to closed. Closed accounts reject every
// balance-changing operation; the row and its ledger history remain.
func (s *AccountService) Close(accountID uint) error {
	mu := s.locks.lock(accountID)
	mu.Lock()
	defer mu.Unlock()

	var closed *Account
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := getAccountByID(tx, accountID)
		if err != nil {
			return err
		}
		if !account.IsActive() {
			return domainErrorf(ErrAccountClosed, "account %s is already closed", account.Number)
		}
		account.Status = AccountStatusClosed
		if err := tx.Save(account).Error; err != nil {
			return err
		}
		closed = account
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.AccountClosed(closed)
	return nil
}

func (s *AccountService) Get(accountID uint) (*Account, error) {
	return getAccountByID(s.db, accountID)
}

// ListForUser returns a user's active accounts, newest first.
func (s *AccountService) ListForUser(userID uint) ([]Account, error) {
	var accounts []Account
	err := s.db.
		Where("user_id = ? AND status = ?", userID, AccountStatusActive).
		Order("created_at DESC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// applyDeposit validates, mutates the balance and appends the ledger row
// inside the caller's transaction. Used directly by the transfer orchestrator
// for the credit leg.
func (s *AccountService) applyDeposit(tx *gorm.DB, account *Account, amount decimal.Decimal, txType TransactionType, category, description string, transferID *string, now time.Time) error {
	if err := validateDeposit(account, amount); err != nil {
		return err
	}

	account.Balance = account.Balance.Add(amount)
	if err := tx.Save(account).Error; err != nil {
		return err
	}
	_, err := recordTransaction(tx, account, txType, amount, category, description, transferID, now)
	return err
}

// applyWithdrawal is the debit counterpart of applyDeposit; it also advances
// the savings withdrawal counter on acceptance.
func (s *AccountService) applyWithdrawal(tx *gorm.DB, account *Account, amount decimal.Decimal, txType TransactionType, category, description string, transferID *string, now time.Time) error {
	if err := validateWithdrawal(account, amount, now); err != nil {
		return err
	}

	account.Balance = account.Balance.Sub(amount)
	if account.Type == AccountTypeSavings {
		if account.WithdrawalCycle != cycleKey(now) {
			account.WithdrawalCycle = cycleKey(now)
			account.WithdrawalCount = 0
		}
		account.WithdrawalCount++
	}
	if err := tx.Save(account).Error; err != nil {
		return err
	}
	_, err := recordTransaction(tx, account, txType, amount, category, description, transferID, now)
	return err
}

func (s *AccountService) lastAppliedEntry(tx *gorm.DB, account *Account) (*Transaction, error) {
	var entry Transaction
	err := tx.Where("account_id = ?", account.ID).
		Order("created_at DESC").Order("id DESC").
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// validateDeposit enforces the type rules for incoming amounts.
func validateDeposit(account *Account, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domainErrorf(ErrInvalidAmount, "deposit amount must be positive, got %s", amount)
	}
	if !account.IsActive() {
		return domainErrorf(ErrAccountClosed, "account %s is closed", account.Number)
	}

	if account.Type == AccountTypeCredit {
		// A payment may at most clear the debt; pushing the balance above
		// zero is rejected rather than clamped.
		owed := account.Balance.Neg()
		if amount.GreaterThan(owed) {
			return domainErrorf(ErrOverpayment, "payment %s exceeds owed balance %s", amount, owed)
		}
	}
	return nil
}

// validateWithdrawal enforces the type-specific balance bound for outgoing
// amounts without mutating anything.
func validateWithdrawal(account *Account, amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return domainErrorf(ErrInvalidAmount, "withdrawal amount must be positive, got %s", amount)
	}
	if !account.IsActive() {
		return domainErrorf(ErrAccountClosed, "account %s is closed", account.Number)
	}

	prospective := account.Balance.Sub(amount)
	switch account.Type {
	case AccountTypeChecking:
		if prospective.LessThan(account.OverdraftLimit.Neg()) {
			return domainErrorf(ErrInsufficientFunds, "withdrawal of %s exceeds overdraft limit %s", amount, account.OverdraftLimit)
		}
	case AccountTypeSavings:
		count := account.WithdrawalCount
		if account.WithdrawalCycle != cycleKey(now) {
			count = 0
		}
		if account.WithdrawalLimit > 0 && count >= account.WithdrawalLimit {
			return domainErrorf(ErrWithdrawalLimitExceeded, "monthly withdrawal limit of %d reached", account.WithdrawalLimit)
		}
		if prospective.LessThan(account.MinimumBalance) {
			return domainErrorf(ErrInsufficientFunds, "withdrawal of %s would breach minimum balance %s", amount, account.MinimumBalance)
		}
	case AccountTypeCredit:
		if prospective.LessThan(account.CreditLimit.Neg()) {
			return domainErrorf(ErrInsufficientFunds, "charge of %s exceeds credit limit, available credit %s", amount, account.AvailableCredit())
		}
	}
	return nil
}

// generateAccountNumber draws random 10-digit numbers until one is unused.
func generateAccountNumber(tx *gorm.DB) (string, error) {
	for i := 0; i < 10; i++ {
		number := fmt.Sprintf("%010d", rand.Int63n(10_000_000_000))
		var count int64
		if err := tx.Model(&Account{}).Where("account_number = ?", number).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return number, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique account number")
}
