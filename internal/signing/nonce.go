package signing

import (
	"sync/atomic"
	"time"
)

// NonceSource issues strictly increasing nonces for one signing key. The
// venue rejects or silently reorders actions whose nonces do not increase,
// so every concurrent signer sharing an account must draw from the same
// source.
type NonceSource struct {
	prev atomic.Int64
	now  func() time.Time
}

// NewNonceSource seeds the source from the wall clock in milliseconds.
func NewNonceSource() *NonceSource {
	return newNonceSourceAt(time.Now)
}

func newNonceSourceAt(now func() time.Time) *NonceSource {
	s := &NonceSource{now: now}
	s.prev.Store(now().UnixMilli() - 1)
	return s
}

// Next returns the next nonce: the current wall clock in milliseconds, or
// one past the previous nonce when the clock has not advanced (or has gone
// backwards). The result is strictly greater than every earlier result.
func (s *NonceSource) Next() int64 {
	for {
		prev := s.prev.Load()
		next := s.now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if s.prev.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Last returns the most recently issued nonce.
func (s *NonceSource) Last() int64 { return s.prev.Load() }
