// ABOUTME: Close classification and bounded exponential reconnect policy
// ABOUTME: Wraps cenkalti/backoff with a consecutive-attempt cap that resets on open

package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/relay-gateway/internal/protocol"
)

// ReconnectPolicy bounds how a supervisor retries after a transient close.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts caps consecutive attempts without an Opened event; 0 means unlimited.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the policy used when nothing is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     20,
	}
}

const reconnectJitter = 0.2

type reconnector struct {
	maxAttempts int
	attempts    int
	backoff     *backoff.ExponentialBackOff
}

func newReconnector(p ReconnectPolicy) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = reconnectJitter
	b.MaxElapsedTime = 0 // the attempt cap bounds retries, not wall time
	b.Reset()

	return &reconnector{maxAttempts: p.MaxAttempts, backoff: b}
}

// next returns the delay before the next attempt, or false when the cap is reached.
func (r *reconnector) next() (time.Duration, bool) {
	if r.maxAttempts > 0 && r.attempts >= r.maxAttempts {
		return 0, false
	}
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

func (r *reconnector) reset() {
	r.attempts = 0
	r.backoff.Reset()
}

type closeAction int

const (
	actionReconnect closeAction = iota
	actionLoggedOut
	actionReplaced
)

// classify maps a close reason onto exactly one supervisor reaction.
func classify(reason protocol.CloseReason) closeAction {
	switch reason {
	case protocol.ReasonLoggedOut:
		return actionLoggedOut
	case protocol.ReasonReplaced:
		return actionReplaced
	default:
		return actionReconnect
	}
}
