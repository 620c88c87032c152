package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orquesta/settlement/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction holds the write lock for its whole duration and restores a
// snapshot of the state when fn fails, which gives serializable semantics.
type MemoryStore struct {
	mu    *sync.RWMutex
	state *memState
	inTx  bool
}

type memState struct {
	projects    map[string]model.Project
	sellers     map[string]model.Seller
	accounts    map[string]model.Account
	accountKeys map[string]string
	intents     map[string]model.PaymentIntent
	intentKeys  map[string]string
	fees        map[string]model.FeeObligation
	feeKeys     map[string]string
	payouts     map[string]model.Payout
	payoutKeys  map[string]string
	ledger      []model.LedgerEntry
	ledgerKeys  map[string]struct{}
	jobs        map[string]model.JobRun
	deadLetters []model.DeadLetter
	webhooks    map[string]time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.RWMutex{},
		state: &memState{
			projects:    make(map[string]model.Project),
			sellers:     make(map[string]model.Seller),
			accounts:    make(map[string]model.Account),
			accountKeys: make(map[string]string),
			intents:     make(map[string]model.PaymentIntent),
			intentKeys:  make(map[string]string),
			fees:        make(map[string]model.FeeObligation),
			feeKeys:     make(map[string]string),
			payouts:     make(map[string]model.Payout),
			payoutKeys:  make(map[string]string),
			ledgerKeys:  make(map[string]struct{}),
			jobs:        make(map[string]model.JobRun),
			webhooks:    make(map[string]time.Time),
		},
	}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

// WithTx serializes fn against every other caller and rolls back on error.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.state.clone()
	tx := &MemoryStore{mu: s.mu, state: s.state, inTx: true}
	if err := fn(tx); err != nil {
		*s.state = *snap
		return err
	}
	return nil
}

func (st *memState) clone() *memState {
	return &memState{
		projects:    cloneMap(st.projects),
		sellers:     cloneMap(st.sellers),
		accounts:    cloneMap(st.accounts),
		accountKeys: cloneMap(st.accountKeys),
		intents:     cloneMap(st.intents),
		intentKeys:  cloneMap(st.intentKeys),
		fees:        cloneMap(st.fees),
		feeKeys:     cloneMap(st.feeKeys),
		payouts:     cloneMap(st.payouts),
		payoutKeys:  cloneMap(st.payoutKeys),
		ledger:      append([]model.LedgerEntry(nil), st.ledger...),
		ledgerKeys:  cloneMap(st.ledgerKeys),
		jobs:        cloneMap(st.jobs),
		deadLetters: append([]model.DeadLetter(nil), st.deadLetters...),
		webhooks:    cloneMap(st.webhooks),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// --- Tenancy ---

func (s *MemoryStore) CreateProject(_ context.Context, p *model.Project) error {
	defer s.lock()()
	if _, ok := s.state.projects[p.ID]; ok {
		return fmt.Errorf("project %s: %w", p.ID, ErrDuplicateKey)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.state.projects[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (*model.Project, error) {
	defer s.rlock()()
	p, ok := s.state.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListProjects(_ context.Context) ([]model.Project, error) {
	defer s.rlock()()
	out := make([]model.Project, 0, len(s.state.projects))
	for _, p := range s.state.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateSeller(_ context.Context, sl *model.Seller) error {
	defer s.lock()()
	if _, ok := s.state.sellers[sl.ID]; ok {
		return fmt.Errorf("seller %s: %w", sl.ID, ErrDuplicateKey)
	}
	if sl.CreatedAt.IsZero() {
		sl.CreatedAt = time.Now().UTC()
	}
	s.state.sellers[sl.ID] = *sl
	return nil
}

func (s *MemoryStore) GetSeller(_ context.Context, projectID, id string) (*model.Seller, error) {
	defer s.rlock()()
	sl, ok := s.state.sellers[id]
	if !ok || sl.ProjectID != projectID {
		return nil, fmt.Errorf("seller %s: %w", id, ErrNotFound)
	}
	return &sl, nil
}

func (s *MemoryStore) UpdateSellerRiskTier(_ context.Context, projectID, id string, tier model.RiskTier) error {
	defer s.lock()()
	sl, ok := s.state.sellers[id]
	if !ok || sl.ProjectID != projectID {
		return fmt.Errorf("seller %s: %w", id, ErrNotFound)
	}
	sl.RiskTier = tier
	s.state.sellers[id] = sl
	return nil
}

// --- Chart of accounts ---

func accountKey(projectID, sellerID, code string, cur model.Currency) string {
	return strings.Join([]string{projectID, sellerID, code, string(cur)}, "|")
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	defer s.lock()()
	k := accountKey(a.ProjectID, a.SellerID, a.Code, a.Currency)
	if id, ok := s.state.accountKeys[k]; ok {
		*a = s.state.accounts[id]
		return nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.state.accounts[a.ID] = *a
	s.state.accountKeys[k] = a.ID
	return nil
}

func (s *MemoryStore) GetAccountByCode(_ context.Context, projectID, sellerID, code string, cur model.Currency) (*model.Account, error) {
	defer s.rlock()()
	id, ok := s.state.accountKeys[accountKey(projectID, sellerID, code, cur)]
	if !ok {
		return nil, fmt.Errorf("account %s/%s: %w", code, cur, ErrNotFound)
	}
	a := s.state.accounts[id]
	return &a, nil
}

// --- Payment intents ---

func (s *MemoryStore) CreatePaymentIntent(_ context.Context, pi *model.PaymentIntent) error {
	defer s.lock()()
	k := pi.ProjectID + "|" + pi.IdempotencyKey
	if _, ok := s.state.intentKeys[k]; ok {
		return fmt.Errorf("payment intent key %s: %w", pi.IdempotencyKey, ErrDuplicateKey)
	}
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = time.Now().UTC()
	}
	s.state.intents[pi.ID] = *pi
	s.state.intentKeys[k] = pi.ID
	return nil
}

func (s *MemoryStore) GetPaymentIntent(_ context.Context, id string) (*model.PaymentIntent, error) {
	defer s.rlock()()
	pi, ok := s.state.intents[id]
	if !ok {
		return nil, fmt.Errorf("payment intent %s: %w", id, ErrNotFound)
	}
	return &pi, nil
}

func (s *MemoryStore) GetPaymentIntentByKey(_ context.Context, projectID, key string) (*model.PaymentIntent, error) {
	defer s.rlock()()
	id, ok := s.state.intentKeys[projectID+"|"+key]
	if !ok {
		return nil, fmt.Errorf("payment intent key %s: %w", key, ErrNotFound)
	}
	pi := s.state.intents[id]
	return &pi, nil
}

func (s *MemoryStore) UpdatePaymentIntentStatus(_ context.Context, id string, status model.PaymentIntentStatus, externalID string) error {
	defer s.lock()()
	pi, ok := s.state.intents[id]
	if !ok {
		return fmt.Errorf("payment intent %s: %w", id, ErrNotFound)
	}
	pi.Status = status
	if externalID != "" {
		pi.ExternalID = externalID
	}
	s.state.intents[id] = pi
	return nil
}

// --- Fee obligations ---

func (s *MemoryStore) CreateFeeObligation(_ context.Context, fo *model.FeeObligation) (bool, error) {
	defer s.lock()()
	if _, ok := s.state.feeKeys[fo.IdempotencyKey]; ok {
		return false, nil
	}
	if fo.ID == "" {
		fo.ID = uuid.NewString()
	}
	if fo.CreatedAt.IsZero() {
		fo.CreatedAt = time.Now().UTC()
	}
	if fo.Status == "" {
		fo.Status = model.FeePending
	}
	s.state.fees[fo.ID] = *fo
	s.state.feeKeys[fo.IdempotencyKey] = fo.ID
	return true, nil
}

// LockPendingFeeObligations needs no row locks here: the caller's
// transaction already holds the store-wide write lock.
func (s *MemoryStore) LockPendingFeeObligations(_ context.Context, projectID, sellerID string) ([]model.FeeObligation, error) {
	defer s.rlock()()
	var out []model.FeeObligation
	for _, fo := range s.state.fees {
		if fo.ProjectID == projectID && fo.SellerID == sellerID && fo.Status == model.FeePending {
			out = append(out, fo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkFeeObligationsSwept(_ context.Context, ids []string, at time.Time) error {
	defer s.lock()()
	for _, id := range ids {
		fo, ok := s.state.fees[id]
		if !ok {
			return fmt.Errorf("fee obligation %s: %w", id, ErrNotFound)
		}
		if fo.Status != model.FeePending {
			continue
		}
		t := at
		fo.Status = model.FeeSwept
		fo.SweptAt = &t
		s.state.fees[id] = fo
	}
	return nil
}

func (s *MemoryStore) ListFeeObligations(_ context.Context, projectID string, from, to time.Time) ([]model.FeeObligation, error) {
	defer s.rlock()()
	var out []model.FeeObligation
	for _, fo := range s.state.fees {
		if fo.ProjectID != projectID || fo.CreatedAt.Before(from) || !fo.CreatedAt.Before(to) {
			continue
		}
		out = append(out, fo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListSellersWithPendingFees(_ context.Context, projectID string, limit int) ([]model.SellerRef, error) {
	defer s.rlock()()
	seen := make(map[model.SellerRef]struct{})
	var out []model.SellerRef
	for _, fo := range s.state.fees {
		if fo.Status != model.FeePending || (projectID != "" && fo.ProjectID != projectID) {
			continue
		}
		ref := model.SellerRef{ProjectID: fo.ProjectID, SellerID: fo.SellerID}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].SellerID < out[j].SellerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Payouts ---

func (s *MemoryStore) CreatePayout(_ context.Context, p *model.Payout) error {
	defer s.lock()()
	if _, ok := s.state.payoutKeys[p.IdempotencyKey]; ok {
		return fmt.Errorf("payout key %s: %w", p.IdempotencyKey, ErrDuplicateKey)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	s.state.payouts[p.ID] = *p
	s.state.payoutKeys[p.IdempotencyKey] = p.ID
	return nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	defer s.rlock()()
	p, ok := s.state.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetPayoutByIdempotencyKey(_ context.Context, key string) (*model.Payout, error) {
	defer s.rlock()()
	id, ok := s.state.payoutKeys[key]
	if !ok {
		return nil, fmt.Errorf("payout key %s: %w", key, ErrNotFound)
	}
	p := s.state.payouts[id]
	return &p, nil
}

func (s *MemoryStore) UpdatePayoutStatus(_ context.Context, id string, status model.PayoutStatus, externalID, failureReason string, at time.Time) error {
	defer s.lock()()
	p, ok := s.state.payouts[id]
	if !ok {
		return fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	p.Status = status
	if externalID != "" {
		p.ExternalID = externalID
	}
	if failureReason != "" {
		p.FailureReason = failureReason
	}
	p.UpdatedAt = at
	s.state.payouts[id] = p
	return nil
}

func (s *MemoryStore) ListPayoutsByStatus(_ context.Context, status model.PayoutStatus, limit int) ([]model.Payout, error) {
	defer s.rlock()()
	var out []model.Payout
	for _, p := range s.state.payouts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, projectID, sellerID string, limit int) ([]model.Payout, error) {
	defer s.rlock()()
	var out []model.Payout
	for _, p := range s.state.payouts {
		if p.ProjectID != projectID || (sellerID != "" && p.SellerID != sellerID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) AppendLedgerEntries(_ context.Context, entries []model.LedgerEntry) (int, error) {
	defer s.lock()()
	inserted := 0
	for _, e := range entries {
		if _, ok := s.state.ledgerKeys[e.IdempotencyKey]; ok {
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		s.state.ledger = append(s.state.ledger, e)
		s.state.ledgerKeys[e.IdempotencyKey] = struct{}{}
		inserted++
	}
	return inserted, nil
}

func (st *memState) isBalanceAccount(accountID string) (model.Account, bool) {
	a, ok := st.accounts[accountID]
	if !ok || a.SellerID == "" {
		return a, false
	}
	for _, code := range model.BalanceAccountCodes {
		if a.Code == code {
			return a, true
		}
	}
	return a, false
}

func signed(e model.LedgerEntry) int64 {
	if e.EntryType == model.Credit {
		return e.AmountCents
	}
	return -e.AmountCents
}

func (s *MemoryStore) GetSellerBalance(_ context.Context, projectID, sellerID string, cur model.Currency) (int64, error) {
	defer s.rlock()()
	var bal int64
	for _, e := range s.state.ledger {
		a, ok := s.state.isBalanceAccount(e.AccountID)
		if !ok || a.ProjectID != projectID || a.SellerID != sellerID || e.Currency != cur {
			continue
		}
		bal += signed(e)
	}
	return bal, nil
}

func (s *MemoryStore) ListPayoutCandidates(_ context.Context, minBalance int64, limit int) ([]model.PayoutCandidate, error) {
	defer s.rlock()()
	type key struct {
		sellerID string
		cur      model.Currency
	}
	balances := make(map[key]int64)
	for _, e := range s.state.ledger {
		a, ok := s.state.isBalanceAccount(e.AccountID)
		if !ok {
			continue
		}
		balances[key{a.SellerID, e.Currency}] += signed(e)
	}

	var out []model.PayoutCandidate
	for k, bal := range balances {
		if bal <= minBalance {
			continue
		}
		sl, ok := s.state.sellers[k.sellerID]
		if !ok || !sl.RiskTier.PayoutEligible() {
			continue
		}
		out = append(out, model.PayoutCandidate{Seller: sl, Currency: k.cur, BalanceCents: bal})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BalanceCents != out[j].BalanceCents {
			return out[i].BalanceCents > out[j].BalanceCents
		}
		return out[i].Seller.ID < out[j].Seller.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	defer s.rlock()()
	var out []model.LedgerEntry
	for _, e := range s.state.ledger {
		if f.ProjectID != "" && e.ProjectID != f.ProjectID {
			continue
		}
		if f.SellerID != "" && e.SellerID != f.SellerID {
			continue
		}
		if f.PaymentIntentID != "" && e.PaymentIntentID != f.PaymentIntentID {
			continue
		}
		if f.PayoutID != "" && e.PayoutID != f.PayoutID {
			continue
		}
		if f.IdempotencyKey != "" && e.IdempotencyKey != f.IdempotencyKey {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// --- Job leases ---

func (s *MemoryStore) AcquireJobLease(_ context.Context, name, key, holder string, now time.Time, ttl time.Duration) (*model.JobRun, bool, error) {
	defer s.lock()()
	run, ok := s.state.jobs[key]
	if ok {
		switch {
		case run.Status == model.JobCompleted:
			return &run, false, nil
		case run.Status == model.JobRunning && now.Before(run.LeaseExpiresAt):
			return &run, false, nil
		}
	}
	run = model.JobRun{
		Key:            key,
		Name:           name,
		Status:         model.JobRunning,
		Holder:         holder,
		Attempts:       run.Attempts,
		LastError:      run.LastError,
		LeaseExpiresAt: now.Add(ttl),
		StartedAt:      now,
	}
	s.state.jobs[key] = run
	return &run, true, nil
}

func (s *MemoryStore) finishJob(key string, status model.JobStatus, attempts int, reason string, at time.Time) error {
	run, ok := s.state.jobs[key]
	if !ok {
		return fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	t := at
	run.Status = status
	run.Attempts = attempts
	run.LastError = reason
	run.FinishedAt = &t
	s.state.jobs[key] = run
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, key string, attempts int, at time.Time) error {
	defer s.lock()()
	return s.finishJob(key, model.JobCompleted, attempts, "", at)
}

func (s *MemoryStore) FailJob(_ context.Context, key string, attempts int, reason string, at time.Time) error {
	defer s.lock()()
	return s.finishJob(key, model.JobFailed, attempts, reason, at)
}

func (s *MemoryStore) GetJob(_ context.Context, key string) (*model.JobRun, error) {
	defer s.rlock()()
	run, ok := s.state.jobs[key]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	return &run, nil
}

func (s *MemoryStore) AppendDeadLetter(_ context.Context, dl *model.DeadLetter) error {
	defer s.lock()()
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	s.state.deadLetters = append(s.state.deadLetters, *dl)
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]model.DeadLetter, error) {
	defer s.rlock()()
	n := len(s.state.deadLetters)
	out := make([]model.DeadLetter, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, s.state.deadLetters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Webhook replay window ---

func (s *MemoryStore) RecordWebhookDelivery(_ context.Context, key string, at time.Time, retention time.Duration) (bool, error) {
	defer s.lock()()
	if seen, ok := s.state.webhooks[key]; ok && at.Sub(seen) < retention {
		return false, nil
	}
	s.state.webhooks[key] = at
	for k, t := range s.state.webhooks {
		if at.Sub(t) >= retention {
			delete(s.state.webhooks, k)
		}
	}
	return true, nil
}
