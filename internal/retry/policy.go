// Package retry maps attempt counts to backoff delays.
package retry

import "time"

const (
	DefaultBase = 500 * time.Millisecond
	DefaultMax  = 5 * time.Second
)

// Policy is an exponential backoff capped at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns the 500ms / 5s policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Delay returns min(Base × 2^attempt, Max). Negative attempts are treated
// as zero. The result is non-decreasing in attempt and saturates at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	// Past 2^62 the shift overflows; any such value is above Max anyway.
	if attempt > 62 {
		return p.Max
	}

	backoff := p.Base << uint(attempt)
	if backoff < p.Base || backoff>>uint(attempt) != p.Base || backoff > p.Max {
		return p.Max
	}
	return backoff
}
