// Package store defines the persistence interface for the settlement backend.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// balance cache), and in-memory (for testing and local development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/orquesta/settlement/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateKey is returned when an idempotency or natural key is reused.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// LedgerFilter narrows ListLedgerEntries. Empty fields match everything.
type LedgerFilter struct {
	ProjectID       string
	SellerID        string
	PaymentIntentID string
	PayoutID        string
	// IdempotencyKey matches a single line key.
	IdempotencyKey string
	Limit          int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for derived balances.
//
// Every idempotent write in the system goes through a uniqueness constraint
// exposed here.
type Store interface {
	// --- Tenancy ---

	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	CreateSeller(ctx context.Context, s *model.Seller) error
	GetSeller(ctx context.Context, projectID, id string) (*model.Seller, error)
	UpdateSellerRiskTier(ctx context.Context, projectID, id string, tier model.RiskTier) error

	// --- Chart of accounts ---

	// CreateAccount persists an account. If the (project, seller, code,
	// currency) tuple already exists, a is replaced with the stored account
	// and no error is returned, so concurrent first uses agree on one row.
	CreateAccount(ctx context.Context, a *model.Account) error
	// GetAccountByCode resolves an account. sellerID is empty for
	// project-level accounts.
	GetAccountByCode(ctx context.Context, projectID, sellerID, code string, currency model.Currency) (*model.Account, error)

	// --- Payment intents ---

	// CreatePaymentIntent returns ErrDuplicateKey when the idempotency key
	// is already used within the project.
	CreatePaymentIntent(ctx context.Context, pi *model.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, id string) (*model.PaymentIntent, error)
	GetPaymentIntentByKey(ctx context.Context, projectID, key string) (*model.PaymentIntent, error)
	UpdatePaymentIntentStatus(ctx context.Context, id string, status model.PaymentIntentStatus, externalID string) error

	// --- Fee obligations ---

	// CreateFeeObligation inserts an obligation unless one with the same
	// idempotency key exists. created is false on replay.
	CreateFeeObligation(ctx context.Context, fo *model.FeeObligation) (created bool, err error)
	// LockPendingFeeObligations returns the seller's pending obligations,
	// row-locked for the enclosing transaction. Rows locked by another
	// transaction are skipped, not waited on.
	LockPendingFeeObligations(ctx context.Context, projectID, sellerID string) ([]model.FeeObligation, error)
	MarkFeeObligationsSwept(ctx context.Context, ids []string, at time.Time) error
	// ListFeeObligations returns obligations created in [from, to).
	ListFeeObligations(ctx context.Context, projectID string, from, to time.Time) ([]model.FeeObligation, error)
	// ListSellersWithPendingFees lists sellers that have at least one pending
	// obligation. An empty projectID spans all projects.
	ListSellersWithPendingFees(ctx context.Context, projectID string, limit int) ([]model.SellerRef, error)

	// --- Payouts ---

	// CreatePayout returns ErrDuplicateKey when the idempotency key exists.
	CreatePayout(ctx context.Context, p *model.Payout) error
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
	GetPayoutByIdempotencyKey(ctx context.Context, key string) (*model.Payout, error)
	UpdatePayoutStatus(ctx context.Context, id string, status model.PayoutStatus, externalID, failureReason string, at time.Time) error
	ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.Payout, error)
	ListPayouts(ctx context.Context, projectID, sellerID string, limit int) ([]model.Payout, error)

	// --- Immutable ledger ---

	// AppendLedgerEntries bulk-inserts entries. Entries whose idempotency key
	// already exists are skipped; the number actually inserted is returned.
	AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error)
	// GetSellerBalance derives the balance as credits minus debits over the
	// seller's balance accounts in one currency.
	GetSellerBalance(ctx context.Context, projectID, sellerID string, currency model.Currency) (int64, error)
	// ListPayoutCandidates returns GREEN/YELLOW sellers whose derived balance
	// exceeds minBalance, largest first.
	ListPayoutCandidates(ctx context.Context, minBalance int64, limit int) ([]model.PayoutCandidate, error)
	ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error)

	// --- Job leases ---

	// AcquireJobLease claims the run identified by key. acquired is false
	// when the run is completed or held by a live lease.
	AcquireJobLease(ctx context.Context, name, key, holder string, now time.Time, ttl time.Duration) (run *model.JobRun, acquired bool, err error)
	CompleteJob(ctx context.Context, key string, attempts int, at time.Time) error
	FailJob(ctx context.Context, key string, attempts int, reason string, at time.Time) error
	GetJob(ctx context.Context, key string) (*model.JobRun, error)
	AppendDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)

	// --- Webhook replay window ---

	// RecordWebhookDelivery remembers a delivery key for the retention
	// window. firstSeen is false if the key was recorded within the window.
	RecordWebhookDelivery(ctx context.Context, key string, at time.Time, retention time.Duration) (firstSeen bool, err error)

	// WithTx runs fn inside a single transaction. The Store handed to fn is
	// bound to that transaction; nested WithTx calls join it. Any error
	// returned by fn rolls the whole transaction back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
