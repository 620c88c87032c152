// Package gateway is the adapter for the payout rail: tax-id (RUC)
// verification and payout creation over mutually authenticated TLS.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/orquesta/settlement/internal/breaker"
	"github.com/orquesta/settlement/internal/metrics"
	"github.com/orquesta/settlement/internal/model"
)

// ErrUpstream wraps every non-2xx gateway response.
var ErrUpstream = errors.New("gateway: upstream error")

// Gateway is what the payout scheduler needs from the rail.
type Gateway interface {
	VerifyTaxID(ctx context.Context, taxID string) (*Verification, error)
	CreatePayout(ctx context.Context, req PayoutRequest, idempotencyKey string) (*PayoutResult, error)
}

// Verification is the KYC answer for a tax id.
type Verification struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// PayoutRequest is the body of a payout creation call.
type PayoutRequest struct {
	SellerID    string         `json:"seller_id"`
	AmountCents int64          `json:"amount_cents,string"`
	Currency    model.Currency `json:"currency"`
}

// PayoutResult is the rail's synchronous answer. Status is "processing" or "paid".
type PayoutResult struct {
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
}

// StatusError is a non-2xx response from the rail.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Config holds the rail endpoint and client certificate paths.
type Config struct {
	BaseURL  string
	CertPath string
	KeyPath  string
	CAPath   string
	Timeout  time.Duration
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *breaker.Breaker
}

// NewClient builds a client. When cert and key paths are set the transport
// presents that certificate and trusts only CAPath (or the system pool).
func NewClient(cfg Config, b *breaker.Breaker) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		tlsCfg, err := loadTLS(cfg)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = tlsCfg
	}
	return NewClientWithHTTP(cfg.BaseURL, &http.Client{Transport: tr, Timeout: cfg.Timeout}, b), nil
}

// NewClientWithHTTP builds a client over an existing http.Client.
func NewClientWithHTTP(baseURL string, hc *http.Client, b *breaker.Breaker) *Client {
	if b == nil {
		s := breaker.DefaultSettings("payout_gateway")
		s.IsFailure = retryable
		b = breaker.New(s)
	}
	return &Client{baseURL: baseURL, http: hc, breaker: b}
}

func loadTLS(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: load client certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("gateway: no certificates in %s", cfg.CAPath)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() string { return c.breaker.State() }

func (c *Client) VerifyTaxID(ctx context.Context, taxID string) (*Verification, error) {
	return breaker.Do(c.breaker, func() (*Verification, error) {
		var v Verification
		if err := c.post(ctx, "kyc_verify", "/kyc/verify", map[string]string{"tax_id": taxID}, "", &v); err != nil {
			return nil, err
		}
		return &v, nil
	})
}

func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest, idempotencyKey string) (*PayoutResult, error) {
	return breaker.Do(c.breaker, func() (*PayoutResult, error) {
		var r PayoutResult
		if err := c.post(ctx, "create_payout", "/payouts", req, idempotencyKey, &r); err != nil {
			return nil, err
		}
		if r.ExternalID == "" {
			return nil, fmt.Errorf("gateway: create_payout: missing externalId: %w", ErrUpstream)
		}
		return &r, nil
	})
}

func (c *Client) post(ctx context.Context, op, path string, body any, idempotencyKey string, out any) error {
	start := time.Now()
	defer func() {
		metrics.UpstreamLatency.WithLabelValues("payout_gateway", op).Observe(time.Since(start).Seconds())
	}()

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: string(b)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode %s: %w", op, err)
	}
	return nil
}
