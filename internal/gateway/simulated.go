package gateway

import (
	"context"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

var taxIDPattern = regexp.MustCompile(`^\d{8,15}$`)

// Simulated is an in-process rail for development and tests. Tax ids must be
// 8 to 15 digits; even amounts settle synchronously as paid, odd ones stay
// processing. Replays of an idempotency key return the first result.
type Simulated struct {
	// Fail, when set, is consulted before every payout and its error returned.
	Fail func(req PayoutRequest) error

	mu      sync.Mutex
	payouts map[string]PayoutResult
	calls   int
}

// NewSimulated creates an empty simulated rail.
func NewSimulated() *Simulated {
	return &Simulated{payouts: make(map[string]PayoutResult)}
}

func (s *Simulated) VerifyTaxID(_ context.Context, taxID string) (*Verification, error) {
	if !taxIDPattern.MatchString(taxID) {
		return &Verification{Verified: false, Reason: "invalid_format"}, nil
	}
	return &Verification{Verified: true}, nil
}

func (s *Simulated) CreatePayout(_ context.Context, req PayoutRequest, idempotencyKey string) (*PayoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if r, ok := s.payouts[idempotencyKey]; ok {
		return &r, nil
	}
	if s.Fail != nil {
		if err := s.Fail(req); err != nil {
			return nil, err
		}
	}
	r := PayoutResult{ExternalID: "pc_sim_" + uuid.NewString(), Status: "processing"}
	if req.AmountCents%2 == 0 {
		r.Status = "paid"
	}
	s.payouts[idempotencyKey] = r
	return &r, nil
}

// Calls reports how many payout requests reached the rail.
func (s *Simulated) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
