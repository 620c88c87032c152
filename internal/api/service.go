// Package api provides the HTTP handlers for provider and payout-rail
// webhooks, the operator routes for payment intents, fee sweeps, balances,
// payouts and tax reports, and the live activity feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/orquesta/settlement/internal/breaker"
	"github.com/orquesta/settlement/internal/feesweep"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/payout"
	"github.com/orquesta/settlement/internal/provider"
	"github.com/orquesta/settlement/internal/report"
	"github.com/orquesta/settlement/internal/store"
	"github.com/orquesta/settlement/internal/webhook"
)

// maxWebhookBody bounds the raw body read before signature verification.
const maxWebhookBody = 1 << 20

// PaymentCreator starts a payment with the wallet provider.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, req provider.PaymentRequest, idempotencyKey string) (*provider.Payment, error)
}

// Deps are the collaborators of Service.
type Deps struct {
	Store     store.Store
	Processor *webhook.Processor
	Guard     webhook.ReplayGuard
	Payouts   *payout.Scheduler
	Sweeper   *feesweep.Sweeper
	Payments  PaymentCreator

	// PaymentSecret and PayoutSecret sign the provider and payout-rail
	// callbacks respectively.
	PaymentSecret string
	PayoutSecret  string

	// ReplayWindow bounds how old a signed timestamp may be.
	ReplayWindow time.Duration

	// Dependencies report breaker states on /health, keyed by dependency.
	Dependencies map[string]func() string
}

// Service handles the HTTP surface of the settlement backend.
type Service struct {
	store         store.Store
	processor     *webhook.Processor
	guard         webhook.ReplayGuard
	payouts       *payout.Scheduler
	sweeper       *feesweep.Sweeper
	payments      PaymentCreator
	paymentSecret string
	payoutSecret  string
	window        time.Duration
	deps          map[string]func() string
	nowFn         func() time.Time
}

func NewService(d Deps) *Service {
	window := d.ReplayWindow
	if window <= 0 {
		window = webhook.DefaultRetention
	}
	return &Service{
		store:         d.Store,
		processor:     d.Processor,
		guard:         d.Guard,
		payouts:       d.Payouts,
		sweeper:       d.Sweeper,
		payments:      d.Payments,
		paymentSecret: d.PaymentSecret,
		payoutSecret:  d.PayoutSecret,
		window:        window,
		deps:          d.Dependencies,
		nowFn:         time.Now,
	}
}

// WithClock overrides the clock used for timestamp freshness checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFn = now
	return s
}

// --- Webhooks ---

// verifiedBody reads the raw body and checks its signature, timestamp and
// replay window. It writes the response itself and returns ok=false when the
// delivery must not be processed.
func (s *Service) verifiedBody(w http.ResponseWriter, r *http.Request, source, secret string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, "invalid_payload", http.StatusBadRequest)
		return nil, false
	}
	sig := header(r, "X-Signature", "X-Yappy-Signature")
	ts := header(r, "X-Timestamp", "X-Yappy-Timestamp")

	if !provider.VerifySignature(secret, body, sig, ts) {
		metrics.WebhookDeliveries.WithLabelValues(source, "invalid_signature").Inc()
		slog.Warn("webhook signature rejected", "source", source, "remote_addr", r.RemoteAddr)
		writeError(w, "invalid_signature", http.StatusUnauthorized)
		return nil, false
	}
	if !s.fresh(ts) {
		metrics.WebhookDeliveries.WithLabelValues(source, "stale").Inc()
		slog.Warn("webhook timestamp outside replay window", "source", source, "timestamp", ts)
		writeError(w, "stale_timestamp", http.StatusUnauthorized)
		return nil, false
	}

	first, err := s.guard.FirstSeen(r.Context(), webhook.ReplayKey(source, ts, sig))
	if err != nil {
		slog.Error("replay guard failed", "source", source, "err", err)
		writeError(w, "internal_error", http.StatusInternalServerError)
		return nil, false
	}
	if !first {
		metrics.WebhookDeliveries.WithLabelValues(source, "duplicate").Inc()
		writeJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true})
		return nil, false
	}
	return body, true
}

// fresh reports whether a unix-seconds timestamp lies inside the replay
// window. Deliveries older than the window could otherwise be replayed after
// their key expired.
func (s *Service) fresh(ts string) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := s.nowFn().Sub(time.Unix(sec, 0))
	return age < s.window && age > -s.window
}

func header(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// PaymentWebhook handles POST /webhooks/payments.
func (s *Service) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	const source = "payments"
	body, ok := s.verifiedBody(w, r, source, s.paymentSecret)
	if !ok {
		return
	}
	var ev webhook.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.WebhookDeliveries.WithLabelValues(source, "invalid_payload").Inc()
		writeError(w, "invalid_payload", http.StatusBadRequest)
		return
	}

	out, err := s.processor.Payment(r.Context(), ev)
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.WebhookDeliveries.WithLabelValues(source, "not_found").Inc()
		writeError(w, "payment_intent_not_found", http.StatusNotFound)
		return
	case errors.Is(err, webhook.ErrUnknownStatus), errors.Is(err, webhook.ErrMissingID):
		metrics.WebhookDeliveries.WithLabelValues(source, "invalid_payload").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		metrics.WebhookDeliveries.WithLabelValues(source, "error").Inc()
		slog.Error("payment webhook failed", "intent_id", ev.Data.PaymentIntentID, "err", err)
		writeError(w, "internal_error", http.StatusInternalServerError)
		return
	}

	resp := map[string]bool{"received": true}
	switch {
	case out.Blocked:
		resp["blocked"] = true
		metrics.WebhookDeliveries.WithLabelValues(source, "blocked").Inc()
	case out.Ignored:
		metrics.WebhookDeliveries.WithLabelValues(source, "ignored").Inc()
	default:
		metrics.WebhookDeliveries.WithLabelValues(source, "applied").Inc()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PayoutWebhook handles POST /webhooks/payouts.
func (s *Service) PayoutWebhook(w http.ResponseWriter, r *http.Request) {
	const source = "payouts"
	body, ok := s.verifiedBody(w, r, source, s.payoutSecret)
	if !ok {
		return
	}
	var ev webhook.PayoutEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		metrics.WebhookDeliveries.WithLabelValues(source, "invalid_payload").Inc()
		writeError(w, "invalid_payload", http.StatusBadRequest)
		return
	}

	_, ignored, err := s.processor.Payout(r.Context(), ev)
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.WebhookDeliveries.WithLabelValues(source, "not_found").Inc()
		writeError(w, "payout_not_found", http.StatusNotFound)
		return
	case errors.Is(err, webhook.ErrUnknownStatus), errors.Is(err, webhook.ErrMissingID):
		metrics.WebhookDeliveries.WithLabelValues(source, "invalid_payload").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		metrics.WebhookDeliveries.WithLabelValues(source, "error").Inc()
		slog.Error("payout webhook failed", "payout_id", ev.Data.PayoutID, "err", err)
		writeError(w, "internal_error", http.StatusInternalServerError)
		return
	}
	if ignored {
		metrics.WebhookDeliveries.WithLabelValues(source, "ignored").Inc()
	} else {
		metrics.WebhookDeliveries.WithLabelValues(source, "applied").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// --- Payment intents ---

// CreatePaymentIntentRequest is the JSON body for payment intent creation.
type CreatePaymentIntentRequest struct {
	SellerID    string            `json:"seller_id"`
	AmountCents int64             `json:"amount_cents"`
	Currency    model.Currency    `json:"currency"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PaymentIntentResponse is an intent plus the QR code to present to the payer.
type PaymentIntentResponse struct {
	*model.PaymentIntent
	QRCode string `json:"qr_code,omitempty"`
}

// CreatePaymentIntent handles POST /api/v1/projects/{projectID}/payment-intents.
// A reused Idempotency-Key answers 409 with the existing intent.
func (s *Service) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, "Idempotency-Key header is required", http.StatusBadRequest)
		return
	}
	var req CreatePaymentIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SellerID == "" {
		writeError(w, "seller_id is required", http.StatusBadRequest)
		return
	}
	if req.AmountCents <= 0 {
		writeError(w, "amount_cents must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if existing, err := s.store.GetPaymentIntentByKey(ctx, projectID, key); err == nil {
		writeJSON(w, http.StatusConflict, PaymentIntentResponse{PaymentIntent: existing})
		return
	}
	seller, err := s.store.GetSeller(ctx, projectID, req.SellerID)
	if err != nil {
		writeError(w, "seller not found", http.StatusNotFound)
		return
	}
	cur := req.Currency
	if cur == "" {
		cur = seller.PreferredCurrency
	}
	if cur != model.CurrencyPAB && cur != model.CurrencyUSD {
		writeError(w, "currency must be PAB or USD", http.StatusBadRequest)
		return
	}

	pi := &model.PaymentIntent{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		SellerID:       seller.ID,
		AmountCents:    req.AmountCents,
		Currency:       cur,
		Status:         model.IntentRequiresPaymentMethod,
		IdempotencyKey: key,
		Metadata:       req.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreatePaymentIntent(ctx, pi); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			if existing, gerr := s.store.GetPaymentIntentByKey(ctx, projectID, key); gerr == nil {
				writeJSON(w, http.StatusConflict, PaymentIntentResponse{PaymentIntent: existing})
				return
			}
		}
		slog.Error("create payment intent failed", "project_id", projectID, "err", err)
		writeError(w, "failed to create payment intent", http.StatusInternalServerError)
		return
	}

	payment, err := s.payments.CreatePayment(ctx, provider.PaymentRequest{
		AmountCents:     pi.AmountCents,
		Currency:        pi.Currency,
		SellerID:        pi.SellerID,
		PaymentIntentID: pi.ID,
	}, pi.ID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, breaker.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		}
		slog.Error("provider payment creation failed", "intent_id", pi.ID, "err", err)
		writeError(w, "payment provider unavailable", status)
		return
	}
	if err := s.store.UpdatePaymentIntentStatus(ctx, pi.ID, model.IntentProcessing, payment.ID); err != nil {
		slog.Error("mark intent processing failed", "intent_id", pi.ID, "err", err)
		writeError(w, "failed to update payment intent", http.StatusInternalServerError)
		return
	}
	pi.Status = model.IntentProcessing
	pi.ExternalID = payment.ID

	slog.Info("payment intent created",
		"intent_id", pi.ID,
		"project_id", projectID,
		"seller_id", pi.SellerID,
		"amount_cents", pi.AmountCents,
		"currency", pi.Currency,
	)
	writeJSON(w, http.StatusCreated, PaymentIntentResponse{PaymentIntent: pi, QRCode: payment.QRCode})
}

// GetPaymentIntent handles GET /api/v1/projects/{projectID}/payment-intents/{intentID}.
func (s *Service) GetPaymentIntent(w http.ResponseWriter, r *http.Request) {
	pi, err := s.store.GetPaymentIntent(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil || pi.ProjectID != chi.URLParam(r, "projectID") {
		writeError(w, "payment intent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pi)
}

// --- Fee sweeps and balances ---

// SweepRequest optionally narrows a sweep to one seller.
type SweepRequest struct {
	SellerID string `json:"seller_id"`
}

// SweepFees handles POST /api/v1/projects/{projectID}/fee-sweeps.
func (s *Service) SweepFees(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req SweepRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res, err := s.sweeper.Sweep(r.Context(), projectID, req.SellerID)
	if res == nil {
		slog.Error("fee sweep failed", "project_id", projectID, "err", err)
		writeError(w, "fee sweep failed", http.StatusInternalServerError)
		return
	}
	if err != nil {
		slog.Warn("fee sweep partially failed", "project_id", projectID, "failed", res.Failed, "err", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// BalanceResponse is a seller's derived balance.
type BalanceResponse struct {
	SellerID     string         `json:"seller_id"`
	Currency     model.Currency `json:"currency"`
	BalanceCents int64          `json:"balance_cents"`
	Balance      string         `json:"balance"`
}

// GetSellerBalance handles GET /api/v1/projects/{projectID}/sellers/{sellerID}/balance.
func (s *Service) GetSellerBalance(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	ctx := r.Context()
	seller, err := s.store.GetSeller(ctx, projectID, chi.URLParam(r, "sellerID"))
	if err != nil {
		writeError(w, "seller not found", http.StatusNotFound)
		return
	}
	cur := model.Currency(r.URL.Query().Get("currency"))
	if cur == "" {
		cur = seller.PreferredCurrency
	}
	bal, err := s.store.GetSellerBalance(ctx, projectID, seller.ID, cur)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		SellerID:     seller.ID,
		Currency:     cur,
		BalanceCents: bal,
		Balance:      report.MajorUnits(bal),
	})
}

// --- Payouts ---

// ListPayouts handles GET /api/v1/projects/{projectID}/payouts.
func (s *Service) ListPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	payouts, err := s.store.ListPayouts(r.Context(), chi.URLParam(r, "projectID"), q.Get("seller_id"), limit)
	if err != nil {
		writeError(w, "failed to list payouts", http.StatusInternalServerError)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// GetPayout handles GET /api/v1/projects/{projectID}/payouts/{payoutID}.
func (s *Service) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPayout(r.Context(), chi.URLParam(r, "payoutID"))
	if err != nil || p.ProjectID != chi.URLParam(r, "projectID") {
		writeError(w, "payout not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreatePayoutRequest is the JSON body for a manual payout.
type CreatePayoutRequest struct {
	SellerID    string         `json:"seller_id"`
	AmountCents int64          `json:"amount_cents"`
	Currency    model.Currency `json:"currency"`
}

// CreatePayout handles POST /api/v1/projects/{projectID}/payouts.
func (s *Service) CreatePayout(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req CreatePayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SellerID == "" {
		writeError(w, "seller_id is required", http.StatusBadRequest)
		return
	}

	p, err := s.payouts.Initiate(r.Context(), payout.InitiateRequest{
		ProjectID:      projectID,
		SellerID:       req.SellerID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	switch {
	case errors.Is(err, store.ErrDuplicateKey) && p != nil:
		writeJSON(w, http.StatusConflict, p)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "seller not found", http.StatusNotFound)
	case errors.Is(err, payout.ErrLedgerKeyUsed):
		writeError(w, "idempotency key already used", http.StatusConflict)
	case errors.Is(err, payout.ErrInvalidAmount):
		writeError(w, "amount_cents must be positive", http.StatusBadRequest)
	case errors.Is(err, payout.ErrSellerIneligible):
		writeError(w, "seller is not eligible for payouts", http.StatusUnprocessableEntity)
	case errors.Is(err, payout.ErrInsufficientBalance):
		writeError(w, "insufficient balance", http.StatusUnprocessableEntity)
	case err != nil:
		slog.Error("manual payout failed", "project_id", projectID, "seller_id", req.SellerID, "err", err)
		writeError(w, "failed to create payout", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusCreated, p)
	}
}

// --- Reports and operations ---

// GetTaxReport handles GET /api/v1/projects/{projectID}/tax-reports/{period}.
// format is csv (default) or json; language is es (default) or en.
func (s *Service) GetTaxReport(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	period := chi.URLParam(r, "period")
	q := r.URL.Query()

	format := q.Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		writeError(w, "format must be csv or json", http.StatusBadRequest)
		return
	}
	lang := q.Get("language")
	if lang == "" {
		lang = "es"
	}
	if lang != "es" && lang != "en" {
		writeError(w, "language must be es or en", http.StatusBadRequest)
		return
	}

	rep, err := report.Generate(r.Context(), s.store, projectID, period)
	if errors.Is(err, report.ErrInvalidPeriod) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("tax report failed", "project_id", projectID, "period", period, "err", err)
		writeError(w, "failed to generate tax report", http.StatusInternalServerError)
		return
	}

	if format == "json" {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="itbms_%s_%s.csv"`, projectID, period))
	if err := report.WriteCSV(w, rep, lang); err != nil {
		slog.Error("write tax report failed", "project_id", projectID, "err", err)
	}
}

// ListDeadLetters handles GET /api/v1/dead-letters.
func (s *Service) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	dls, err := s.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	if dls == nil {
		dls = []model.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
