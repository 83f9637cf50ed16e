package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-warp-cluster/v1/protocol"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerChannel decorates a Channel so that repeated Send failures
// fail fast instead of piling up requests that would only time out.
type CircuitBreakerChannel struct {
	Channel
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreakerChannel that opens after
// threshold consecutive failures and probes again after timeout.
func NewCircuitBreaker(ch Channel, threshold int, timeout time.Duration) *CircuitBreakerChannel {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerChannel{
		Channel:   ch,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreakerChannel) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreakerChannel) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreakerChannel) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreakerChannel) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Send implements Channel.Send with circuit breaker logic. Caller
// cancellation does not count as a failure of the link.
func (cb *CircuitBreakerChannel) Send(ctx context.Context, m protocol.Message) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.Channel.Send(ctx, m)
	if err != nil && ctx.Err() == nil {
		cb.onFailure()
		return err
	}
	if err != nil {
		// Release a half-open probe aborted by the caller.
		cb.mu.Lock()
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		cb.mu.Unlock()
		return err
	}
	cb.onSuccess()
	return nil
}
