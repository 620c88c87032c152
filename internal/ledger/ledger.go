// Package ledger implements the double-entry posting engine. Every movement of
// money is a Transaction whose debit and credit lines sum to the same amount
// and are persisted atomically with deterministic per-line idempotency keys.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/store"
)

var (
	// ErrUnbalancedTransaction is the sentinel wrapped by *UnbalancedError.
	ErrUnbalancedTransaction = errors.New("ledger: unbalanced transaction")
	ErrInvalidAmount         = errors.New("ledger: line amount must be positive")
	ErrTooFewLines           = errors.New("ledger: transaction needs at least two lines")
	ErrCurrencyMismatch      = errors.New("ledger: all lines must share one currency")
	ErrMissingKey            = errors.New("ledger: idempotency key is required")
	ErrUnknownAccount        = errors.New("ledger: unknown account code")
	ErrMissingSeller         = errors.New("ledger: seller-scoped account requires a seller")
	// ErrKeyConflict means some, but not all, line keys already exist: the
	// key was reused with a different line set.
	ErrKeyConflict = errors.New("ledger: idempotency key reused with different lines")
)

// UnbalancedError carries the computed totals of a rejected transaction.
type UnbalancedError struct {
	Debits  int64
	Credits int64
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("ledger: unbalanced transaction: debits=%d credits=%d", e.Debits, e.Credits)
}

func (e *UnbalancedError) Unwrap() error { return ErrUnbalancedTransaction }

// lineKeyNamespace scopes the UUIDv5 per-line keys.
var lineKeyNamespace = uuid.MustParse("6f1c9a52-2d7e-4b8a-9c3e-5a1d7b0e4f21")

// Line is one debit or credit against an account addressed by chart code.
// For seller-scoped codes SellerID selects the seller's account; for
// project-level codes it only links the entry to the seller.
type Line struct {
	AccountCode     string
	SellerID        string
	Type            model.EntryType
	AmountCents     int64
	Currency        model.Currency
	PaymentIntentID string
	PayoutID        string
	TaxCents        int64
	Metadata        map[string]string
}

// Transaction is a balanced set of lines posted under one idempotency key.
type Transaction struct {
	ProjectID      string
	IdempotencyKey string
	Source         string // metrics label, e.g. "settlement"
	Lines          []Line
}

// Result describes what Post persisted.
type Result struct {
	Entries []model.LedgerEntry
	// Duplicate is true when every line already existed, i.e. the
	// transaction was posted by an earlier call.
	Duplicate bool
}

// LineKey derives the idempotency key of line idx within a transaction.
func LineKey(txKey string, idx int) string {
	return uuid.NewSHA1(lineKeyNamespace, []byte(txKey+"/"+strconv.Itoa(idx))).String()
}

// Posted reports whether a transaction keyed txKey has been persisted. Only
// the first line is consulted, so a later posting under the same key with a
// different line set still counts as taken.
func Posted(ctx context.Context, st store.Store, txKey string) (bool, error) {
	entries, err := st.ListLedgerEntries(ctx, store.LedgerFilter{IdempotencyKey: LineKey(txKey, 0), Limit: 1})
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", txKey, err)
	}
	return len(entries) > 0, nil
}

// Validate checks the structural rules of a transaction without touching
// storage.
func Validate(tx Transaction) error {
	if tx.IdempotencyKey == "" {
		return ErrMissingKey
	}
	if len(tx.Lines) < 2 {
		return ErrTooFewLines
	}
	var debits, credits int64
	cur := tx.Lines[0].Currency
	for i, l := range tx.Lines {
		if l.AmountCents <= 0 {
			return fmt.Errorf("line %d amount %d: %w", i, l.AmountCents, ErrInvalidAmount)
		}
		if l.Currency != cur {
			return fmt.Errorf("line %d currency %s, expected %s: %w", i, l.Currency, cur, ErrCurrencyMismatch)
		}
		switch l.Type {
		case model.Debit:
			if debits > math.MaxInt64-l.AmountCents {
				return fmt.Errorf("line %d: debit total overflows: %w", i, ErrInvalidAmount)
			}
			debits += l.AmountCents
		case model.Credit:
			if credits > math.MaxInt64-l.AmountCents {
				return fmt.Errorf("line %d: credit total overflows: %w", i, ErrInvalidAmount)
			}
			credits += l.AmountCents
		default:
			return fmt.Errorf("line %d: unknown entry type %q", i, l.Type)
		}
	}
	if debits != credits {
		return &UnbalancedError{Debits: debits, Credits: credits}
	}
	return nil
}

// Engine posts transactions into a Store.
type Engine struct {
	nowFn func() time.Time
}

// NewEngine creates a posting engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{nowFn: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock used for entry timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.nowFn = now
	return e
}

// Post validates and persists tx atomically. If st is already bound to a
// transaction the posting joins it. Reposting an already persisted
// transaction is a no-op reported through Result.Duplicate.
func (e *Engine) Post(ctx context.Context, st store.Store, tx Transaction) (*Result, error) {
	source := tx.Source
	if source == "" {
		source = "manual"
	}
	if err := Validate(tx); err != nil {
		metrics.LedgerPostings.WithLabelValues(source, "rejected").Inc()
		return nil, err
	}

	var res Result
	err := st.WithTx(ctx, func(s store.Store) error {
		now := e.nowFn()
		entries := make([]model.LedgerEntry, 0, len(tx.Lines))
		for i, l := range tx.Lines {
			acct, err := EnsureAccount(ctx, s, tx.ProjectID, l.SellerID, l.AccountCode, l.Currency)
			if err != nil {
				return err
			}
			entries = append(entries, model.LedgerEntry{
				ID:              uuid.NewString(),
				ProjectID:       tx.ProjectID,
				SellerID:        l.SellerID,
				AccountID:       acct.ID,
				EntryType:       l.Type,
				AmountCents:     l.AmountCents,
				Currency:        l.Currency,
				PaymentIntentID: l.PaymentIntentID,
				PayoutID:        l.PayoutID,
				TaxCents:        l.TaxCents,
				Metadata:        l.Metadata,
				IdempotencyKey:  LineKey(tx.IdempotencyKey, i),
				CreatedAt:       now,
			})
		}

		n, err := s.AppendLedgerEntries(ctx, entries)
		if err != nil {
			return fmt.Errorf("append entries for %s: %w", tx.IdempotencyKey, err)
		}
		switch n {
		case len(entries):
		case 0:
			res.Duplicate = true
		default:
			return fmt.Errorf("%s: %d of %d lines exist: %w", tx.IdempotencyKey, len(entries)-n, len(entries), ErrKeyConflict)
		}
		res.Entries = entries
		return nil
	})
	if err != nil {
		metrics.LedgerPostings.WithLabelValues(source, "rejected").Inc()
		return nil, err
	}

	if res.Duplicate {
		metrics.LedgerPostings.WithLabelValues(source, "duplicate").Inc()
		slog.Debug("ledger posting already applied", "key", tx.IdempotencyKey, "source", source)
	} else {
		metrics.LedgerPostings.WithLabelValues(source, "posted").Inc()
	}
	return &res, nil
}

// EnsureAccount resolves the account for code, creating it on first use.
func EnsureAccount(ctx context.Context, st store.Store, projectID, sellerID, code string, cur model.Currency) (*model.Account, error) {
	def, ok := model.LookupAccount(code)
	if !ok {
		return nil, fmt.Errorf("%s: %w", code, ErrUnknownAccount)
	}
	owner := ""
	if def.SellerScoped {
		if sellerID == "" {
			return nil, fmt.Errorf("account %s: %w", code, ErrMissingSeller)
		}
		owner = sellerID
	}

	acct, err := st.GetAccountByCode(ctx, projectID, owner, code, cur)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	acct = &model.Account{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		SellerID:  owner,
		Code:      def.Code,
		Name:      def.Name,
		Type:      def.Type,
		Currency:  cur,
	}
	if err := st.CreateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("create account %s: %w", code, err)
	}
	return acct, nil
}
