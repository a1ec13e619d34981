// Package backoff provides the exponential delay policy shared by the lab
// engine's retry loops: container restart, MSGRPC login, and console respawn.
package backoff

import "time"

// Policy defines a jitter-free exponential backoff with multiplier 2.
// Delay grows as Base, 2*Base, 4*Base, ... and is clamped to Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// FromMillis builds a Policy from millisecond configuration values.
func FromMillis(baseMs, maxMs int) Policy {
	return Policy{
		Base: time.Duration(baseMs) * time.Millisecond,
		Max:  time.Duration(maxMs) * time.Millisecond,
	}
}

// Delay returns the backoff duration for a given attempt number.
// Attempt numbers start at 1; attempt 0 or below yields no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
