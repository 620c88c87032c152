package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orquesta/settlement/internal/breaker"
	"github.com/orquesta/settlement/internal/model"
)

type fakeProvider struct {
	tokenCalls   atomic.Int32
	paymentCalls atomic.Int32
	failPayments atomic.Bool

	mu      sync.Mutex
	lastKey string
	lastAut string
	lastReq PaymentRequest
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["grant_type"] != "client_credentials" || body["client_id"] != "cid" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("POST /v2/payments", func(w http.ResponseWriter, r *http.Request) {
		f.paymentCalls.Add(1)
		if f.failPayments.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.mu.Lock()
		f.lastKey = r.Header.Get("Idempotency-Key")
		f.lastAut = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&f.lastReq)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(Payment{ID: "ext_1", Status: "processing", QRCode: "qr://ext_1"})
	})
	mux.HandleFunc("GET /v2/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "succeeded"})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeProvider, b *breaker.Breaker) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, ClientID: "cid", ClientSecret: "secret", WebhookSecret: "whsec"}, srv.Client(), b)
}

var payReq = PaymentRequest{AmountCents: 10000, Currency: model.CurrencyPAB, SellerID: "s1", PaymentIntentID: "pi_1"}

func TestCreatePayment_SendsHeadersAndBody(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f, nil)

	p, err := c.CreatePayment(context.Background(), payReq, "idem-1")
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if p.ID != "ext_1" || p.Status != "processing" || p.QRCode == "" {
		t.Errorf("unexpected payment %+v", p)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastKey != "idem-1" {
		t.Errorf("expected idempotency key forwarded, got %q", f.lastKey)
	}
	if f.lastAut != "Bearer tok-1" {
		t.Errorf("expected bearer token, got %q", f.lastAut)
	}
	if f.lastReq != payReq {
		t.Errorf("unexpected body %+v", f.lastReq)
	}
}

func TestAccessToken_CachedAcrossCalls(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.CreatePayment(ctx, payReq, "k"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.GetPaymentStatus(ctx, "ext_1"); err != nil {
		t.Fatal(err)
	}
	if got := f.tokenCalls.Load(); got != 1 {
		t.Errorf("expected one token exchange, got %d", got)
	}
}

func TestAccessToken_RefreshedNearExpiry(t *testing.T) {
	f := &fakeProvider{}
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }
	if _, err := c.CreatePayment(ctx, payReq, "k"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(3600*time.Second - 10*time.Second)
	c.CreatePayment(ctx, payReq, "k")
	if got := f.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected token still valid 10s before expiry, got %d exchanges", got)
	}

	now = now.Add(6 * time.Second)
	c.CreatePayment(ctx, payReq, "k")
	if got := f.tokenCalls.Load(); got != 2 {
		t.Errorf("expected refresh within 5s of expiry, got %d exchanges", got)
	}
}

func TestGetPaymentStatus(t *testing.T) {
	c := newTestClient(t, &fakeProvider{}, nil)
	p, err := c.GetPaymentStatus(context.Background(), "ext_9")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "ext_9" || p.Status != "succeeded" {
		t.Errorf("unexpected payment %+v", p)
	}
}

func TestBreaker_FailsFastAfterFiveFailures(t *testing.T) {
	f := &fakeProvider{}
	f.failPayments.Store(true)
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.CreatePayment(ctx, payReq, "k")
		if !errors.Is(err, ErrUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	_, err := c.CreatePayment(ctx, payReq, "k")
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if got := f.paymentCalls.Load(); got != 5 {
		t.Errorf("expected 5 upstream hits, got %d", got)
	}
	if c.BreakerState() != "open" {
		t.Errorf("expected open breaker, got %s", c.BreakerState())
	}
}

func TestBreaker_RecoversAfterCooldown(t *testing.T) {
	f := &fakeProvider{}
	f.failPayments.Store(true)
	s := breaker.DefaultSettings("provider_test")
	s.Cooldown = 20 * time.Millisecond
	s.IsFailure = Retryable
	c := newTestClient(t, f, breaker.New(s))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.CreatePayment(ctx, payReq, "k")
	}
	f.failPayments.Store(false)
	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if _, err := c.CreatePayment(ctx, payReq, "k"); err != nil {
			t.Fatalf("trial %d: %v", i, err)
		}
	}
	if c.BreakerState() != "closed" {
		t.Errorf("expected closed after trial successes, got %s", c.BreakerState())
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&StatusError{Status: 503}, true},
		{&StatusError{Status: 429}, true},
		{&StatusError{Status: 400}, false},
		{&StatusError{Status: 404}, false},
		{errors.New("dial tcp: connection refused"), true},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"payment.updated","data":{"payment_intent_id":"pi_1","status":"succeeded"}}`)
	ts := "1760616000"
	sig := Sign("whsec", payload, ts)

	if !VerifySignature("whsec", payload, sig, ts) {
		t.Fatal("expected valid signature to verify")
	}

	altered := append([]byte{}, payload...)
	altered[10] ^= 0x01
	if VerifySignature("whsec", altered, sig, ts) {
		t.Error("expected altered payload to fail")
	}
	if VerifySignature("whsec", payload, sig, "1760616001") {
		t.Error("expected altered timestamp to fail")
	}
	if VerifySignature("other", payload, sig, ts) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature("whsec", payload, "zz-not-hex", ts) {
		t.Error("expected malformed signature to fail")
	}
	if VerifySignature("whsec", payload, "", ts) {
		t.Error("expected missing signature to fail")
	}
}
