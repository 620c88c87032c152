package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orquesta/settlement/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are BIGINT minor units.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   dbtx
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Migrate applies the embedded schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: s.pool, db: tx, inTx: true})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Tenancy ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *model.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO projects (id, name, environment, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.Environment, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrDuplicateKey)
	}
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	err := s.db.QueryRow(ctx,
		`SELECT id, name, environment, created_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Environment, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "get project "+id)
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, environment, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Environment, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const sellerColumns = `id, project_id, name, email, tax_id, risk_tier, preferred_currency, created_at`

func scanSeller(row rowScanner, sl *model.Seller) error {
	return row.Scan(&sl.ID, &sl.ProjectID, &sl.Name, &sl.Email, &sl.TaxID,
		&sl.RiskTier, &sl.PreferredCurrency, &sl.CreatedAt)
}

func (s *PostgresStore) CreateSeller(ctx context.Context, sl *model.Seller) error {
	if sl.CreatedAt.IsZero() {
		sl.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO sellers (`+sellerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sl.ID, sl.ProjectID, sl.Name, sl.Email, sl.TaxID, sl.RiskTier, sl.PreferredCurrency, sl.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("seller %s: %w", sl.ID, ErrDuplicateKey)
	}
	return err
}

func (s *PostgresStore) GetSeller(ctx context.Context, projectID, id string) (*model.Seller, error) {
	var sl model.Seller
	row := s.db.QueryRow(ctx,
		`SELECT `+sellerColumns+` FROM sellers WHERE project_id = $1 AND id = $2`, projectID, id)
	if err := scanSeller(row, &sl); err != nil {
		return nil, notFound(err, "get seller "+id)
	}
	return &sl, nil
}

func (s *PostgresStore) UpdateSellerRiskTier(ctx context.Context, projectID, id string, tier model.RiskTier) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sellers SET risk_tier = $3 WHERE project_id = $1 AND id = $2`, projectID, id, tier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("seller %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Chart of accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	// ON CONFLICT waits for a concurrent insert of the same tuple to commit,
	// so the re-select below sees the winner's row.
	var id string
	err := s.db.QueryRow(ctx,
		`INSERT INTO accounts (id, project_id, seller_id, code, name, account_type, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (project_id, seller_id, code, currency) DO NOTHING
		 RETURNING id`,
		a.ID, a.ProjectID, a.SellerID, a.Code, a.Name, a.Type, a.Currency, a.CreatedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetAccountByCode(ctx, a.ProjectID, a.SellerID, a.Code, a.Currency)
		if err != nil {
			return fmt.Errorf("account %s/%s: %w", a.Code, a.Currency, err)
		}
		*a = *existing
		return nil
	}
	return err
}

func (s *PostgresStore) GetAccountByCode(ctx context.Context, projectID, sellerID, code string, cur model.Currency) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRow(ctx,
		`SELECT id, project_id, seller_id, code, name, account_type, currency, created_at
		 FROM accounts
		 WHERE project_id = $1 AND seller_id = $2 AND code = $3 AND currency = $4`,
		projectID, sellerID, code, cur).
		Scan(&a.ID, &a.ProjectID, &a.SellerID, &a.Code, &a.Name, &a.Type, &a.Currency, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get account %s/%s", code, cur))
	}
	return &a, nil
}

// --- Payment intents ---

const intentColumns = `id, project_id, seller_id, amount_cents, currency, status, external_id, idempotency_key, metadata, created_at`

func scanIntent(row rowScanner, pi *model.PaymentIntent) error {
	return row.Scan(&pi.ID, &pi.ProjectID, &pi.SellerID, &pi.AmountCents, &pi.Currency,
		&pi.Status, &pi.ExternalID, &pi.IdempotencyKey, &pi.Metadata, &pi.CreatedAt)
}

func (s *PostgresStore) CreatePaymentIntent(ctx context.Context, pi *model.PaymentIntent) error {
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_intents (`+intentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pi.ID, pi.ProjectID, pi.SellerID, pi.AmountCents, pi.Currency, pi.Status,
		pi.ExternalID, pi.IdempotencyKey, jsonMap(pi.Metadata), pi.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment intent key %s: %w", pi.IdempotencyKey, ErrDuplicateKey)
	}
	return err
}

func (s *PostgresStore) GetPaymentIntent(ctx context.Context, id string) (*model.PaymentIntent, error) {
	var pi model.PaymentIntent
	row := s.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	if err := scanIntent(row, &pi); err != nil {
		return nil, notFound(err, "get payment intent "+id)
	}
	return &pi, nil
}

func (s *PostgresStore) GetPaymentIntentByKey(ctx context.Context, projectID, key string) (*model.PaymentIntent, error) {
	var pi model.PaymentIntent
	row := s.db.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE project_id = $1 AND idempotency_key = $2`,
		projectID, key)
	if err := scanIntent(row, &pi); err != nil {
		return nil, notFound(err, "get payment intent by key "+key)
	}
	return &pi, nil
}

func (s *PostgresStore) UpdatePaymentIntentStatus(ctx context.Context, id string, status model.PaymentIntentStatus, externalID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_intents
		 SET status = $2, external_id = COALESCE(NULLIF($3, ''), external_id)
		 WHERE id = $1`, id, status, externalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment intent %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Fee obligations ---

const feeColumns = `id, project_id, seller_id, payment_intent_id, amount_cents, tax_cents, currency, status, idempotency_key, created_at, swept_at`

func scanFee(row rowScanner, fo *model.FeeObligation) error {
	return row.Scan(&fo.ID, &fo.ProjectID, &fo.SellerID, &fo.PaymentIntentID, &fo.AmountCents,
		&fo.TaxCents, &fo.Currency, &fo.Status, &fo.IdempotencyKey, &fo.CreatedAt, &fo.SweptAt)
}

func collectFees(rows pgx.Rows) ([]model.FeeObligation, error) {
	defer rows.Close()
	var out []model.FeeObligation
	for rows.Next() {
		var fo model.FeeObligation
		if err := scanFee(rows, &fo); err != nil {
			return nil, err
		}
		out = append(out, fo)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateFeeObligation(ctx context.Context, fo *model.FeeObligation) (bool, error) {
	if fo.ID == "" {
		fo.ID = uuid.NewString()
	}
	if fo.CreatedAt.IsZero() {
		fo.CreatedAt = time.Now().UTC()
	}
	if fo.Status == "" {
		fo.Status = model.FeePending
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO fee_obligations (`+feeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		fo.ID, fo.ProjectID, fo.SellerID, fo.PaymentIntentID, fo.AmountCents, fo.TaxCents,
		fo.Currency, fo.Status, fo.IdempotencyKey, fo.CreatedAt, fo.SweptAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) LockPendingFeeObligations(ctx context.Context, projectID, sellerID string) ([]model.FeeObligation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+feeColumns+`
		 FROM fee_obligations
		 WHERE project_id = $1 AND seller_id = $2 AND status = 'pending'
		 ORDER BY created_at
		 FOR UPDATE SKIP LOCKED`, projectID, sellerID)
	if err != nil {
		return nil, err
	}
	return collectFees(rows)
}

func (s *PostgresStore) MarkFeeObligationsSwept(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE fee_obligations SET status = 'swept', swept_at = $2
		 WHERE id = ANY($1) AND status = 'pending'`, ids, at)
	return err
}

func (s *PostgresStore) ListFeeObligations(ctx context.Context, projectID string, from, to time.Time) ([]model.FeeObligation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+feeColumns+`
		 FROM fee_obligations
		 WHERE project_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at`, projectID, from, to)
	if err != nil {
		return nil, err
	}
	return collectFees(rows)
}

func (s *PostgresStore) ListSellersWithPendingFees(ctx context.Context, projectID string, limit int) ([]model.SellerRef, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT project_id, seller_id
		 FROM fee_obligations
		 WHERE status = 'pending' AND ($1::text = '' OR project_id = $1)
		 ORDER BY project_id, seller_id
		 LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SellerRef
	for rows.Next() {
		var ref model.SellerRef
		if err := rows.Scan(&ref.ProjectID, &ref.SellerID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// --- Payouts ---

const payoutColumns = `id, project_id, seller_id, amount_cents, currency, status, external_id, idempotency_key, failure_reason, estimated_arrival, created_at, updated_at`

func scanPayout(row rowScanner, p *model.Payout) error {
	return row.Scan(&p.ID, &p.ProjectID, &p.SellerID, &p.AmountCents, &p.Currency, &p.Status,
		&p.ExternalID, &p.IdempotencyKey, &p.FailureReason, &p.EstimatedArrival, &p.CreatedAt, &p.UpdatedAt)
}

func collectPayouts(rows pgx.Rows) ([]model.Payout, error) {
	defer rows.Close()
	var out []model.Payout
	for rows.Next() {
		var p model.Payout
		if err := scanPayout(rows, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePayout(ctx context.Context, p *model.Payout) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO payouts (`+payoutColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.ProjectID, p.SellerID, p.AmountCents, p.Currency, p.Status, p.ExternalID,
		p.IdempotencyKey, p.FailureReason, p.EstimatedArrival, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("payout key %s: %w", p.IdempotencyKey, ErrDuplicateKey)
	}
	return err
}

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	var p model.Payout
	row := s.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	if err := scanPayout(row, &p); err != nil {
		return nil, notFound(err, "get payout "+id)
	}
	return &p, nil
}

func (s *PostgresStore) GetPayoutByIdempotencyKey(ctx context.Context, key string) (*model.Payout, error) {
	var p model.Payout
	row := s.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE idempotency_key = $1`, key)
	if err := scanPayout(row, &p); err != nil {
		return nil, notFound(err, "get payout by key "+key)
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePayoutStatus(ctx context.Context, id string, status model.PayoutStatus, externalID, failureReason string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payouts
		 SET status = $2,
		     external_id = COALESCE(NULLIF($3, ''), external_id),
		     failure_reason = COALESCE(NULLIF($4, ''), failure_reason),
		     updated_at = $5
		 WHERE id = $1`, id, status, externalID, failureReason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE status = $1 ORDER BY created_at LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

func (s *PostgresStore) ListPayouts(ctx context.Context, projectID, sellerID string, limit int) ([]model.Payout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+payoutColumns+` FROM payouts
		 WHERE project_id = $1 AND ($2::text = '' OR seller_id = $2)
		 ORDER BY created_at DESC LIMIT $3`, projectID, sellerID, limit)
	if err != nil {
		return nil, err
	}
	return collectPayouts(rows)
}

// --- Immutable ledger ---

func (s *PostgresStore) AppendLedgerEntries(ctx context.Context, entries []model.LedgerEntry) (int, error) {
	batch := &pgx.Batch{}
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO ledger_entries (id, project_id, seller_id, account_id, entry_type, amount_cents,
			     currency, payment_intent_id, payout_id, tax_cents, metadata, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			e.ID, e.ProjectID, e.SellerID, e.AccountID, e.EntryType, e.AmountCents, e.Currency,
			e.PaymentIntentID, e.PayoutID, e.TaxCents, jsonMap(e.Metadata), e.IdempotencyKey, e.CreatedAt)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range entries {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("append ledger entries: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PostgresStore) GetSellerBalance(ctx context.Context, projectID, sellerID string, cur model.Currency) (int64, error) {
	var bal int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN e.entry_type = 'credit' THEN e.amount_cents ELSE -e.amount_cents END), 0)
		 FROM ledger_entries e
		 JOIN accounts a ON a.id = e.account_id
		 WHERE a.project_id = $1 AND a.seller_id = $2 AND a.code = ANY($3) AND e.currency = $4`,
		projectID, sellerID, model.BalanceAccountCodes, cur).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("seller balance %s: %w", sellerID, err)
	}
	return bal, nil
}

func (s *PostgresStore) ListPayoutCandidates(ctx context.Context, minBalance int64, limit int) ([]model.PayoutCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		`SELECT s.id, s.project_id, s.name, s.email, s.tax_id, s.risk_tier, s.preferred_currency, s.created_at,
		        b.currency, b.balance
		 FROM (
		     SELECT a.seller_id, a.project_id, e.currency,
		            SUM(CASE WHEN e.entry_type = 'credit' THEN e.amount_cents ELSE -e.amount_cents END) AS balance
		     FROM ledger_entries e
		     JOIN accounts a ON a.id = e.account_id
		     WHERE a.seller_id <> '' AND a.code = ANY($1)
		     GROUP BY a.seller_id, a.project_id, e.currency
		 ) b
		 JOIN sellers s ON s.id = b.seller_id AND s.project_id = b.project_id
		 WHERE b.balance > $2 AND s.risk_tier IN ('GREEN', 'YELLOW')
		 ORDER BY b.balance DESC, s.id
		 LIMIT $3`, model.BalanceAccountCodes, minBalance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PayoutCandidate
	for rows.Next() {
		var c model.PayoutCandidate
		sl := &c.Seller
		if err := rows.Scan(&sl.ID, &sl.ProjectID, &sl.Name, &sl.Email, &sl.TaxID, &sl.RiskTier,
			&sl.PreferredCurrency, &sl.CreatedAt, &c.Currency, &c.BalanceCents); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, seller_id, account_id, entry_type, amount_cents, currency,
		        payment_intent_id, payout_id, tax_cents, metadata, idempotency_key, created_at
		 FROM ledger_entries
		 WHERE ($1::text = '' OR project_id = $1)
		   AND ($2::text = '' OR seller_id = $2)
		   AND ($3::text = '' OR payment_intent_id = $3)
		   AND ($4::text = '' OR payout_id = $4)
		   AND ($5::text = '' OR idempotency_key = $5)
		 ORDER BY created_at, idempotency_key
		 LIMIT $6`, f.ProjectID, f.SellerID, f.PaymentIntentID, f.PayoutID, f.IdempotencyKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SellerID, &e.AccountID, &e.EntryType, &e.AmountCents,
			&e.Currency, &e.PaymentIntentID, &e.PayoutID, &e.TaxCents, &e.Metadata,
			&e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Job leases ---

const jobColumns = `idempotency_key, job_name, status, holder, attempts, last_error, lease_expires_at, started_at, finished_at`

func scanJob(row rowScanner, j *model.JobRun) error {
	return row.Scan(&j.Key, &j.Name, &j.Status, &j.Holder, &j.Attempts, &j.LastError,
		&j.LeaseExpiresAt, &j.StartedAt, &j.FinishedAt)
}

func (s *PostgresStore) AcquireJobLease(ctx context.Context, name, key, holder string, now time.Time, ttl time.Duration) (*model.JobRun, bool, error) {
	var run model.JobRun
	row := s.db.QueryRow(ctx,
		`INSERT INTO job_runs (idempotency_key, job_name, status, holder, attempts, lease_expires_at, started_at)
		 VALUES ($1, $2, 'running', $3, 0, $4, $5)
		 ON CONFLICT (idempotency_key) DO UPDATE
		 SET status = 'running', holder = EXCLUDED.holder,
		     lease_expires_at = EXCLUDED.lease_expires_at,
		     started_at = EXCLUDED.started_at, finished_at = NULL
		 WHERE job_runs.status = 'failed'
		    OR (job_runs.status = 'running' AND job_runs.lease_expires_at <= $5)
		 RETURNING `+jobColumns,
		key, name, holder, now.Add(ttl), now)
	err := scanJob(row, &run)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := s.GetJob(ctx, key)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire job lease %s: %w", key, err)
	}
	return &run, true, nil
}

func (s *PostgresStore) finishJob(ctx context.Context, key string, status model.JobStatus, attempts int, reason string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE job_runs SET status = $2, attempts = $3, last_error = $4, finished_at = $5
		 WHERE idempotency_key = $1`, key, status, attempts, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, key string, attempts int, at time.Time) error {
	return s.finishJob(ctx, key, model.JobCompleted, attempts, "", at)
}

func (s *PostgresStore) FailJob(ctx context.Context, key string, attempts int, reason string, at time.Time) error {
	return s.finishJob(ctx, key, model.JobFailed, attempts, reason, at)
}

func (s *PostgresStore) GetJob(ctx context.Context, key string) (*model.JobRun, error) {
	var run model.JobRun
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE idempotency_key = $1`, key)
	if err := scanJob(row, &run); err != nil {
		return nil, notFound(err, "get job "+key)
	}
	return &run, nil
}

func (s *PostgresStore) AppendDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO dead_letters (id, job_name, idempotency_key, reason, attempts, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.ID, dl.JobName, dl.IdempotencyKey, dl.Reason, dl.Attempts, dl.FailedAt)
	return err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, job_name, idempotency_key, reason, attempts, failed_at
		 FROM dead_letters ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.JobName, &dl.IdempotencyKey, &dl.Reason, &dl.Attempts, &dl.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// --- Webhook replay window ---

func (s *PostgresStore) RecordWebhookDelivery(ctx context.Context, key string, at time.Time, retention time.Duration) (bool, error) {
	cutoff := at.Add(-retention)
	tag, err := s.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (delivery_key, received_at) VALUES ($1, $2)
		 ON CONFLICT (delivery_key) DO UPDATE SET received_at = EXCLUDED.received_at
		 WHERE webhook_deliveries.received_at <= $3`, key, at, cutoff)
	if err != nil {
		return false, fmt.Errorf("record webhook delivery: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM webhook_deliveries WHERE received_at <= $1`, cutoff); err != nil {
		return false, fmt.Errorf("prune webhook deliveries: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func jsonMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
