// Package breaker wraps sony/gobreaker with the three-state policy used for
// every outbound dependency: closed, open for a cooldown, then half-open
// with a bounded number of trial calls that must all succeed to close.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/orquesta/settlement/internal/metrics"
)

// ErrCircuitOpen is returned without calling the dependency while the
// breaker is open or its half-open trial slots are taken.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// Settings configures a Breaker.
type Settings struct {
	Name string
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration
	// HalfOpenSuccesses trial calls are admitted after the cooldown; that
	// many consecutive successes close the breaker.
	HalfOpenSuccesses uint32
	// IsFailure classifies errors; nil counts every error.
	IsFailure func(error) bool
}

// DefaultSettings returns the production policy for dependency name.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:              name,
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Breaker guards calls to one dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New creates a Breaker.
func New(s Settings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.HalfOpenSuccesses == 0 {
		s.HalfOpenSuccesses = 1
	}
	threshold := s.FailureThreshold
	isFailure := s.IsFailure

	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenSuccesses,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	if isFailure != nil {
		st.IsSuccessful = func(err error) bool { return err == nil || !isFailure(err) }
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](st)}
}

// State reports "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Do runs fn through the breaker.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	v, err := b.cb.Execute(func() (any, error) {
		r, err := fn()
		return r, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", b.cb.Name(), ErrCircuitOpen)
	}
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
