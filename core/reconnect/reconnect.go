package reconnect

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned once a Backoff has used up its attempts.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int // 0 means unlimited
}

// DefaultPolicy starts at one second, grows by half on every failure and caps at 30 seconds.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Multiplier: 1.5, Max: 30 * time.Second, MaxAttempts: 10}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Backoff tracks one reconnection episode. It is not safe for concurrent use;
// callers guard it with their own lock.
type Backoff struct {
	policy  Policy
	attempt int
	delay   time.Duration
}

// New returns a Backoff for p with zero attempts recorded.
func New(p Policy) *Backoff {
	return &Backoff{policy: p.normalized()}
}

// Next records a failure and returns the delay before the next attempt.
// ok is false once more than MaxAttempts failures happened in this episode.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempt++
	if b.policy.MaxAttempts > 0 && b.attempt > b.policy.MaxAttempts {
		return 0, false
	}
	if b.delay == 0 {
		b.delay = b.policy.Initial
	} else {
		next := time.Duration(float64(b.delay) * b.policy.Multiplier)
		if next > b.policy.Max {
			next = b.policy.Max
		}
		b.delay = next
	}
	return b.delay, true
}

// Reset starts a new episode. Called after every successful open.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.delay = 0
}

// Attempt returns the number of failures recorded in the current episode.
func (b *Backoff) Attempt() int { return b.attempt }

// Exhausted reports whether the last Next call ran out of attempts.
func (b *Backoff) Exhausted() bool {
	return b.policy.MaxAttempts > 0 && b.attempt > b.policy.MaxAttempts
}

// Policy returns the normalized policy.
func (b *Backoff) Policy() Policy { return b.policy }

// RunWithReconnect runs fn and, when it returns an error, retries after the
// backoff delay until ctx is done or the policy runs out of attempts.
// fn reports whether it managed to connect before failing so the episode can restart.
func RunWithReconnect(ctx context.Context, p Policy, fn func(context.Context) (bool, error)) error {
	b := New(p)
	for {
		connected, err := fn(ctx)
		if err == nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		delay, ok := b.Next()
		if !ok {
			return errors.Join(ErrExhausted, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
