// Package model defines the core domain types shared across the settlement
// backend. All monetary values are int64 minor units (cents), never float64.
package model

import (
	"time"
)

// Currency is an ISO-like currency code. The platform settles in PAB and USD.
type Currency string

const (
	CurrencyPAB Currency = "PAB"
	CurrencyUSD Currency = "USD"
)

// RiskTier gates payout eligibility and fee pricing.
type RiskTier string

const (
	RiskGreen  RiskTier = "GREEN"
	RiskYellow RiskTier = "YELLOW"
	RiskRed    RiskTier = "RED"
	RiskBlack  RiskTier = "BLACK"
)

// PayoutEligible reports whether sellers of this tier may be paid out
// automatically. RED and BLACK require manual approval.
func (t RiskTier) PayoutEligible() bool {
	return t == RiskGreen || t == RiskYellow
}

// AccountType is the accounting classification of a ledger account.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// EntryType distinguishes debit from credit lines.
type EntryType string

const (
	Debit  EntryType = "debit"
	Credit EntryType = "credit"
)

// Project is a tenant of the payment platform.
type Project struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Environment string    `json:"environment" db:"environment"` // "test" or "live"
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Seller receives payouts. Balance is derived from the ledger, never stored.
type Seller struct {
	ID                string    `json:"id" db:"id"`
	ProjectID         string    `json:"project_id" db:"project_id"`
	Name              string    `json:"name" db:"name"`
	Email             string    `json:"email" db:"email"`
	TaxID             string    `json:"tax_id" db:"tax_id"` // RUC
	RiskTier          RiskTier  `json:"risk_tier" db:"risk_tier"`
	PreferredCurrency Currency  `json:"preferred_currency" db:"preferred_currency"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Account is a ledger account scoped to a project and optionally to a single
// seller. Created lazily on first use; immutable afterwards.
type Account struct {
	ID        string      `json:"id" db:"id"`
	ProjectID string      `json:"project_id" db:"project_id"`
	SellerID  string      `json:"seller_id,omitempty" db:"seller_id"` // empty for project-level accounts
	Code      string      `json:"code" db:"code"`
	Name      string      `json:"name" db:"name"`
	Type      AccountType `json:"type" db:"account_type"`
	Currency  Currency    `json:"currency" db:"currency"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// LedgerEntry is one append-only debit or credit line.
type LedgerEntry struct {
	ID              string            `json:"id" db:"id"`
	ProjectID       string            `json:"project_id" db:"project_id"`
	SellerID        string            `json:"seller_id,omitempty" db:"seller_id"`
	AccountID       string            `json:"account_id" db:"account_id"`
	EntryType       EntryType         `json:"entry_type" db:"entry_type"`
	AmountCents     int64             `json:"amount_cents" db:"amount_cents"` // always positive
	Currency        Currency          `json:"currency" db:"currency"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	PayoutID        string            `json:"payout_id,omitempty" db:"payout_id"`
	TaxCents        int64             `json:"tax_cents" db:"tax_cents"`
	Metadata        map[string]string `json:"metadata,omitempty" db:"metadata"`
	IdempotencyKey  string            `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// PaymentIntentStatus is the lifecycle of a requested payment.
type PaymentIntentStatus string

const (
	IntentRequiresPaymentMethod PaymentIntentStatus = "requires_payment_method"
	IntentProcessing            PaymentIntentStatus = "processing"
	IntentSucceeded             PaymentIntentStatus = "succeeded"
	IntentFailed                PaymentIntentStatus = "failed"
	IntentCanceled              PaymentIntentStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s PaymentIntentStatus) Terminal() bool {
	return s == IntentSucceeded || s == IntentFailed || s == IntentCanceled
}

// CanTransition reports whether moving from s to next is a forward move.
func (s PaymentIntentStatus) CanTransition(next PaymentIntentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case IntentProcessing:
		return s == IntentRequiresPaymentMethod
	case IntentSucceeded, IntentFailed, IntentCanceled:
		return true
	}
	return false
}

// PaymentIntent is a requested payment routed through the wallet provider.
type PaymentIntent struct {
	ID             string              `json:"id" db:"id"`
	ProjectID      string              `json:"project_id" db:"project_id"`
	SellerID       string              `json:"seller_id" db:"seller_id"`
	AmountCents    int64               `json:"amount_cents" db:"amount_cents"`
	Currency       Currency            `json:"currency" db:"currency"`
	Status         PaymentIntentStatus `json:"status" db:"status"`
	ExternalID     string              `json:"external_id,omitempty" db:"external_id"`
	IdempotencyKey string              `json:"idempotency_key" db:"idempotency_key"` // unique per project
	Metadata       map[string]string   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
}

// FeeObligationStatus tracks an accrued fee until it is swept.
type FeeObligationStatus string

const (
	FeePending FeeObligationStatus = "pending"
	FeeSwept   FeeObligationStatus = "swept"
	FeeWaived  FeeObligationStatus = "waived"
)

// FeeObligation is the platform fee plus tax owed for one settled payment.
type FeeObligation struct {
	ID              string              `json:"id" db:"id"`
	ProjectID       string              `json:"project_id" db:"project_id"`
	SellerID        string              `json:"seller_id" db:"seller_id"`
	PaymentIntentID string              `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	AmountCents     int64               `json:"amount_cents" db:"amount_cents"`
	TaxCents        int64               `json:"tax_cents" db:"tax_cents"`
	Currency        Currency            `json:"currency" db:"currency"`
	Status          FeeObligationStatus `json:"status" db:"status"`
	IdempotencyKey  string              `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
	SweptAt         *time.Time          `json:"swept_at,omitempty" db:"swept_at"`
}

// PayoutStatus is the lifecycle of a batched transfer to a seller.
// A pending payout is committed locally but not yet accepted by the gateway.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
)

// Terminal reports whether the payout reached a final state.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutPaid || s == PayoutFailed
}

// CanTransition reports whether moving from s to next is a forward move.
func (s PayoutStatus) CanTransition(next PayoutStatus) bool {
	if s.Terminal() || s == next {
		return false
	}
	switch next {
	case PayoutProcessing:
		return s == PayoutPending
	case PayoutPaid, PayoutFailed:
		return true
	}
	return false
}

// Payout is a transfer of a seller's balance through the payout rail.
type Payout struct {
	ID               string       `json:"id" db:"id"`
	ProjectID        string       `json:"project_id" db:"project_id"`
	SellerID         string       `json:"seller_id" db:"seller_id"`
	AmountCents      int64        `json:"amount_cents" db:"amount_cents"`
	Currency         Currency     `json:"currency" db:"currency"`
	Status           PayoutStatus `json:"status" db:"status"`
	ExternalID       string       `json:"external_id,omitempty" db:"external_id"`
	IdempotencyKey   string       `json:"idempotency_key" db:"idempotency_key"`
	FailureReason    string       `json:"failure_reason,omitempty" db:"failure_reason"`
	EstimatedArrival *time.Time   `json:"estimated_arrival,omitempty" db:"estimated_arrival"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// PayoutCandidate is a seller whose derived balance qualifies for a payout.
type PayoutCandidate struct {
	Seller       Seller   `json:"seller"`
	Currency     Currency `json:"currency"`
	BalanceCents int64    `json:"balance_cents"`
}

// SellerRef identifies a seller within its project.
type SellerRef struct {
	ProjectID string `json:"project_id"`
	SellerID  string `json:"seller_id"`
}

// JobStatus is the state of a persisted job lease.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobRun is the persisted lease record that dedupes scheduled job runs across
// processes and restarts.
type JobRun struct {
	Key            string     `json:"key" db:"idempotency_key"`
	Name           string     `json:"name" db:"job_name"`
	Status         JobStatus  `json:"status" db:"status"`
	Holder         string     `json:"holder" db:"holder"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at" db:"lease_expires_at"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// DeadLetter records a job that exhausted its retries.
type DeadLetter struct {
	ID             string    `json:"id" db:"id"`
	JobName        string    `json:"job_name" db:"job_name"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	Reason         string    `json:"reason" db:"reason"`
	Attempts       int       `json:"attempts" db:"attempts"`
	FailedAt       time.Time `json:"failed_at" db:"failed_at"`
}
