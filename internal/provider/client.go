// Package provider is the adapter for the external wallet-payment provider:
// client-credentials token caching, payment creation and status lookups
// behind a circuit breaker, and webhook signature verification.
package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orquesta/settlement/internal/breaker"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
)

// ErrUpstream wraps every non-2xx provider response.
var ErrUpstream = errors.New("provider: upstream error")

// tokenSkew is how long before the stated expiry a token is refreshed.
const tokenSkew = 5 * time.Second

// StatusError is a non-2xx response from the provider.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// Retryable reports whether the error should count against the breaker:
// transport failures, 5xx and 429 do; other 4xx responses do not.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Config holds provider credentials and endpoints.
type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	Timeout       time.Duration
}

// PaymentRequest is the body of a payment creation call.
type PaymentRequest struct {
	AmountCents     int64          `json:"amount_cents,string"`
	Currency        model.Currency `json:"currency"`
	SellerID        string         `json:"seller_id"`
	PaymentIntentID string         `json:"payment_intent_id"`
}

// Payment is the provider's view of a payment.
type Payment struct {
	ID     string `json:"id"`
	Status string `json:"status"` // processing, succeeded, failed
	QRCode string `json:"qr_code,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Client talks to the payment provider.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker.Breaker
	nowFn   func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refresh   singleflight.Group
}

// NewClient creates a provider client. A nil breaker gets the default policy.
func NewClient(cfg Config, httpClient *http.Client, b *breaker.Breaker) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if b == nil {
		s := breaker.DefaultSettings("payment_provider")
		s.IsFailure = Retryable
		b = breaker.New(s)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		breaker: b,
		nowFn:   time.Now,
	}
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string { return c.breaker.State() }

// CreatePayment registers a payment with the provider. idempotencyKey lets
// the provider dedupe network retries.
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest, idempotencyKey string) (*Payment, error) {
	return breaker.Do(c.breaker, func() (*Payment, error) {
		var p Payment
		err := c.call(ctx, "create_payment", http.MethodPost, "/v2/payments", req,
			map[string]string{"Idempotency-Key": idempotencyKey}, &p)
		if err != nil {
			return nil, err
		}
		return &p, nil
	})
}

// GetPaymentStatus fetches the current status of a provider payment.
func (c *Client) GetPaymentStatus(ctx context.Context, externalID string) (*Payment, error) {
	return breaker.Do(c.breaker, func() (*Payment, error) {
		var p Payment
		err := c.call(ctx, "get_payment", http.MethodGet, "/v2/payments/"+url.PathEscape(externalID), nil, nil, &p)
		if err != nil {
			return nil, err
		}
		if p.ID == "" {
			p.ID = externalID
		}
		return &p, nil
	})
}

// VerifyWebhookSignature checks signature against
// hex(HMAC-SHA256(secret, timestamp + "." + payload)) in constant time.
func (c *Client) VerifyWebhookSignature(payload []byte, signature, timestamp string) bool {
	return VerifySignature(c.cfg.WebhookSecret, payload, signature, timestamp)
}

// Sign computes the webhook signature for payload.
func Sign(secret string, payload []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is VerifyWebhookSignature without a client.
func VerifySignature(secret string, payload []byte, signature, timestamp string) bool {
	if secret == "" || signature == "" || timestamp == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, payload, timestamp))
	return hmac.Equal(got, want)
}

func (c *Client) call(ctx context.Context, op, method, path string, body any, headers map[string]string, out any) error {
	start := time.Now()
	defer func() {
		metrics.UpstreamLatency.WithLabelValues("payment_provider", op).Observe(time.Since(start).Seconds())
	}()

	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider: encode %s: %w", op, err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode %s: %w", op, err)
	}
	return nil
}

// accessToken returns the cached bearer token, refreshing it once it is
// within tokenSkew of expiry. Concurrent refreshes share one exchange.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.nowFn().Add(tokenSkew).Before(c.expiresAt) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		body, _ := json.Marshal(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth/token", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		var tr tokenResponse
		if err := c.do(req, "oauth_token", &tr); err != nil {
			return "", err
		}
		if tr.AccessToken == "" {
			return "", fmt.Errorf("provider: oauth_token: empty access token: %w", ErrUpstream)
		}

		c.mu.Lock()
		c.token = tr.AccessToken
		c.expiresAt = c.nowFn().Add(time.Duration(tr.ExpiresIn) * time.Second)
		c.mu.Unlock()
		return tr.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
