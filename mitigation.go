package sealio

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// padder produces random tail padding so on-disk sizes do not reveal exact
// plaintext sizes
type padder struct {
	mu      sync.Mutex
	min     int
	max     int
	enabled bool
}

func newPadder(min, max int, enabled bool) *padder {
	return &padder{min: min, max: max, enabled: enabled}
}

// configure replaces the padding range
func (p *padder) configure(min, max int, enabled bool) error {
	if err := ValidatePaddingRange(min, max); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.min, p.max, p.enabled = min, max, enabled
	return nil
}

// active reports whether padding is currently applied
func (p *padder) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && p.max > 0
}

// pad returns fresh random padding, or nil when padding is disabled
func (p *padder) pad() ([]byte, error) {
	p.mu.Lock()
	min, max, enabled := p.min, p.max, p.enabled
	p.mu.Unlock()

	if !enabled || max == 0 {
		return nil, nil
	}

	n, err := randomInt64(int64(min), int64(max))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, NewKeyInitError("entropy", err)
	}
	return buf, nil
}

// jitter inserts a small random delay into intercepted reads and writes,
// blurring timing correlation between caller activity and storage activity
type jitter struct {
	mu      sync.Mutex
	max     time.Duration
	enabled bool
}

func newJitter(max time.Duration, enabled bool) *jitter {
	return &jitter{max: max, enabled: enabled}
}

// configure replaces the jitter ceiling
func (j *jitter) configure(max time.Duration, enabled bool) error {
	if max < 0 {
		return NewConfigError("jitter", max, "cannot be negative")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.max, j.enabled = max, enabled
	return nil
}

// sleep blocks for a random duration up to the configured maximum. Jitter
// is best effort; an entropy failure skips the delay, never the I/O.
func (j *jitter) sleep() {
	j.mu.Lock()
	max, enabled := j.max, j.enabled
	j.mu.Unlock()

	if !enabled || max <= 0 {
		return
	}
	n, err := randomInt64(0, int64(max))
	if err != nil {
		return
	}
	time.Sleep(time.Duration(n))
}

// randomInt64 returns a uniform random value in [min, max]
func randomInt64(min, max int64) (int64, error) {
	if max <= min {
		return min, nil
	}
	span := big.NewInt(max - min + 1)
	v, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, NewKeyInitError("entropy", err)
	}
	return min + v.Int64(), nil
}
