// Package channel defines the uniform contract every outbound channel
// adapter (email, voice, network-connect, network-message) implements,
// plus a circuit-breaker wrapper shared by all of them.
package channel

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Status is the terminal classification of a dispatch attempt.
type Status string

const (
	StatusSent             Status = "sent"
	StatusTransientFailure Status = "transient_failure"
	StatusPermanentFailure Status = "permanent_failure"
)

// Message is the adapter-agnostic payload handed to Dispatch. Channels
// read only the fields relevant to them; unused fields are left zero.
type Message struct {
	From        string
	To          string
	Subject     string
	RichBody    string
	PlainBody   string
	Script      string // call
	Text        string // network_connect / network_message
	NetworkURL  string // network_connect / network_message target profile
}

// SenderContext carries the identity and credentials a dispatch is made
// under.
type SenderContext struct {
	SenderEmail string
}

// Result is the outcome of one dispatch attempt.
type Result struct {
	Status     Status
	ExternalRef string
	Detail     string
}

// Adapter is the contract every channel implements. Retrying a failed
// step is the Scheduler's decision; the email adapter makes one attempt
// per Dispatch, while the voice and network HTTP transports retry
// 429/5xx and network errors inside one Dispatch via httpretry.
type Adapter interface {
	Dispatch(ctx context.Context, msg Message, senderCtx SenderContext) (Result, error)
}

// BreakerAdapter wraps an Adapter with a circuit breaker so a string of
// failures against one external provider fails fast instead of piling up
// blocked goroutines against a channel that is clearly down.
type BreakerAdapter struct {
	inner   Adapter
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerAdapter wraps inner with a circuit breaker named name. The
// breaker trips after 5 consecutive failures and stays open for 30s
// before allowing a single trial request through.
func NewBreakerAdapter(name string, inner Adapter) *BreakerAdapter {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &BreakerAdapter{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Dispatch runs the wrapped adapter through the circuit breaker. A
// tripped breaker is reported as a transient failure so the Scheduler
// reschedules rather than permanently failing the enrollment.
func (b *BreakerAdapter) Dispatch(ctx context.Context, msg Message, senderCtx SenderContext) (Result, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		res, err := b.inner.Dispatch(ctx, msg, senderCtx)
		if err != nil {
			return Result{}, err
		}
		if res.Status == StatusTransientFailure {
			return res, errTransient
		}
		return res, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Result{Status: StatusTransientFailure, Detail: "circuit breaker open for " + b.breaker.Name()}, nil
		}
		if err == errTransient {
			return out.(Result), nil
		}
		return Result{}, err
	}
	return out.(Result), nil
}

var errTransient = transientSentinel{}

type transientSentinel struct{}

func (transientSentinel) Error() string { return "transient channel failure" }
