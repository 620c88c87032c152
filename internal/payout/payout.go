// Package payout batches seller balances into payouts, dispatches them to
// the payout rail and reconciles the rail's asynchronous callbacks.
//
// A payout is committed locally (pending, ledger posted) before the rail is
// called. Dispatch outcomes are applied in their own transaction, so a rail
// failure never rolls back or blocks the ledger.
package payout

import (
	"errors"
	"fmt"
	"time"

	"github.com/orquesta/settlement/internal/model"
)

const (
	// MinBalanceCents is the payout threshold (B/. 10.00). Balances must exceed it.
	MinBalanceCents = 1000
	// DefaultBatchSize caps a batch to the rail's throughput limit.
	DefaultBatchSize = 50
)

var (
	ErrSellerIneligible    = errors.New("payout: seller risk tier requires manual approval")
	ErrInsufficientBalance = errors.New("payout: insufficient seller balance")
	ErrInvalidAmount       = errors.New("payout: amount must be positive")
	ErrInvalidTransition   = errors.New("payout: status transition not allowed")
	// ErrLedgerKeyUsed means the payout's ledger key was already posted by
	// another transaction, so the payout would have no debit behind it.
	ErrLedgerKeyUsed = errors.New("payout: ledger key already posted")
)

// Key is the batch idempotency key: one payout per seller per UTC day.
func Key(sellerID string, at time.Time) string {
	return fmt.Sprintf("payout_%s_%s", sellerID, at.UTC().Format("2006-01-02"))
}

// ManualLedgerKey keys the ledger posting of a manual payout. Caller-chosen
// idempotency keys live in their own namespace so they cannot collide with
// settlement or sweep postings.
func ManualLedgerKey(idempotencyKey string) string {
	return "payout_manual_" + idempotencyKey
}

// ReversalKey keys the ledger reversal of a failed payout.
func ReversalKey(payoutID string) string {
	return "payout_reversal_" + payoutID
}

// holidays are fixed-date public holidays (MM-DD) on which the rail does not settle.
var holidays = map[string]bool{
	"01-01": true,
	"01-09": true,
	"05-01": true,
	"11-03": true,
	"11-04": true,
	"11-05": true,
	"11-10": true,
	"11-28": true,
	"12-08": true,
	"12-25": true,
}

// NextBusinessDay returns t advanced by at least one day, skipping weekends
// and the holiday table. Time of day is preserved.
func NextBusinessDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday || holidays[d.Format("01-02")] {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Outcome describes what happened to one seller in a batch.
type Outcome struct {
	SellerID    string             `json:"seller_id"`
	ProjectID   string             `json:"project_id"`
	PayoutID    string             `json:"payout_id,omitempty"`
	AmountCents int64              `json:"amount_cents"`
	Currency    model.Currency     `json:"currency"`
	Status      model.PayoutStatus `json:"status,omitempty"`
	ExternalID  string             `json:"external_id,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// BatchResult aggregates one RunBatch call.
type BatchResult struct {
	Processed        int       `json:"processed"`
	TotalAmountCents int64     `json:"total_amount_cents"`
	Successful       []Outcome `json:"successful"`
	Failed           []Outcome `json:"failed"`
	Skipped          []Outcome `json:"skipped"`
}

// DispatchResult aggregates one DispatchPending call.
type DispatchResult struct {
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// InitiateRequest is a manual payout for one seller.
type InitiateRequest struct {
	ProjectID      string         `json:"project_id"`
	SellerID       string         `json:"seller_id"`
	AmountCents    int64          `json:"amount_cents"`
	Currency       model.Currency `json:"currency"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}
