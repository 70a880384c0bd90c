// Package resilience wraps remote calls with a circuit breaker and a retry
// manager so a failing venue is never hammered and transient faults are
// absorbed without caller involvement.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Jboner-Corvus/hypergate/errs"
)

// State is the breaker's lifecycle position.
type State int32

const (
	// StateClosed passes all calls through.
	StateClosed State = iota
	// StateOpen rejects all calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen allows exactly one probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BreakerConfig tunes one circuit breaker instance.
type BreakerConfig struct {
	// Name identifies the protected dependency in errors and events.
	Name string
	// FailureThreshold is the number of failures within MonitorWindow that
	// trips the breaker.
	FailureThreshold int
	// MonitorWindow is the sliding window failures are counted over.
	MonitorWindow time.Duration
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// OnStateChange, when set, is invoked (outside the breaker's lock is
	// NOT guaranteed; keep it fast) on every transition.
	OnStateChange func(name string, from, to State)
}

// BreakerStats is a point-in-time snapshot of the breaker counters.
type BreakerStats struct {
	State         State
	FailureCount  int
	SuccessCount  uint64
	TotalRequests uint64
	Rejections    uint64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextAttempt   time.Time
}

// SuccessRate returns the share of requests that were not short-circuited.
func (s BreakerStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1
	}
	return float64(s.TotalRequests-s.Rejections) / float64(s.TotalRequests)
}

// Breaker is a circuit breaker for one logical remote dependency. State is
// memory-only: a process restart begins from a clean CLOSED state. Safe for
// concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         State
	generation    uint64 // bumped on every transition
	failures      []time.Time
	nextAttempt   time.Time
	probeReserved bool

	successCount  uint64
	totalRequests uint64
	rejections    uint64
	lastFailure   time.Time
	lastSuccess   time.Time
}

// NewBreaker creates a closed breaker with the given configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Execute runs op through the breaker. When the breaker is open the call is
// rejected with a circuit_open error without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	gen, err := b.allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	b.record(gen, err)
	return err
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// allow admits or rejects a call and returns the generation the admission
// belongs to, so a completion that straddles a state transition cannot be
// misattributed to the new state.
func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	now := b.now()

	switch b.state {
	case StateClosed:
		return b.generation, nil
	case StateOpen:
		if now.Before(b.nextAttempt) {
			b.rejections++
			return 0, b.openErrLocked()
		}
		// Reset timeout elapsed: this caller becomes the half-open probe.
		b.transitionLocked(StateHalfOpen)
		b.probeReserved = true
		return b.generation, nil
	case StateHalfOpen:
		if b.probeReserved {
			// A probe is already in flight. Concurrent callers are rejected,
			// not queued: queueing would dogpile a recovering venue.
			b.rejections++
			return 0, b.openErrLocked()
		}
		b.probeReserved = true
		return b.generation, nil
	}
	return b.generation, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if tripworthy(err) {
		b.lastFailure = now
	} else {
		// nil errors and business rejections both mean the venue answered.
		b.lastSuccess = now
		b.successCount++
	}

	if gen != b.generation {
		// Admitted under an earlier state. Only the call that was actually
		// admitted as the probe may drive half-open transitions; a closed-era
		// straggler completing now must not reset or re-trip the breaker.
		return
	}

	if tripworthy(err) {
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		switch b.state {
		case StateHalfOpen:
			// Failed probe: re-trip with a fresh timeout.
			b.probeReserved = false
			b.tripLocked(now)
		case StateClosed:
			if len(b.failures) >= b.cfg.FailureThreshold {
				b.tripLocked(now)
			}
		case StateOpen:
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.resetLocked()
	case StateClosed:
		b.pruneLocked(now)
	case StateOpen:
	}
}

// tripworthy reports whether err indicates venue unhealth. Business
// rejections and caller mistakes leave the breaker alone: the venue is
// answering, just not agreeing.
func tripworthy(err error) bool {
	if err == nil {
		return false
	}
	switch errs.CodeOf(err) {
	case errs.CodeValidation, errs.CodeSigning, errs.CodeVenueRejected,
		errs.CodeAuth, errs.CodeNotFound, errs.CodeCancelled, errs.CodeCircuitOpen:
		return false
	}
	return true
}

func (b *Breaker) tripLocked(now time.Time) {
	b.nextAttempt = now.Add(b.cfg.ResetTimeout)
	b.transitionLocked(StateOpen)
}

func (b *Breaker) resetLocked() {
	b.failures = b.failures[:0]
	b.probeReserved = false
	b.transitionLocked(StateClosed)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitorWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

func (b *Breaker) openErrLocked() error {
	retryIn := time.Until(b.nextAttempt)
	if retryIn < 0 {
		retryIn = 0
	}
	return errs.New(b.cfg.Name, errs.CodeCircuitOpen,
		errs.WithMessage(fmt.Sprintf("circuit open, next attempt in %s", retryIn.Round(time.Millisecond))))
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:         b.state,
		FailureCount:  len(b.failures),
		SuccessCount:  b.successCount,
		TotalRequests: b.totalRequests,
		Rejections:    b.rejections,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextAttempt:   b.nextAttempt,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
