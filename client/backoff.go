package client

import "time"

// ReconnectPolicy shapes the retry schedule after an unexpected disconnect.
type ReconnectPolicy struct {
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive failures tolerated before
	// the session enters the error state.
	MaxAttempts int
}

// DefaultReconnectPolicy is applied for any zero fields in Config.Reconnect.
var DefaultReconnectPolicy = ReconnectPolicy{
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     15 * time.Second,
	MaxAttempts:  10,
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy
	if p.InitialDelay > 0 {
		d.InitialDelay = p.InitialDelay
	}
	if p.Multiplier > 1 {
		d.Multiplier = p.Multiplier
	}
	if p.MaxDelay > 0 {
		d.MaxDelay = p.MaxDelay
	}
	if p.MaxAttempts > 0 {
		d.MaxAttempts = p.MaxAttempts
	}
	return d
}

// Delay returns the wait before retry number attempt (1-based). Delays grow
// geometrically and never exceed MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
