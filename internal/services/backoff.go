package services

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BackoffPolicy computes delay_n = base * 2^n, scaled by a random factor in
// [1-jitter, 1+jitter] and capped at max.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// Delay returns the wait before retry n (0-based). rnd must be in [0, 1).
func (p BackoffPolicy) Delay(n int, rnd float64) time.Duration {
	d := p.nominal(n)
	factor := 1 + p.Jitter*(2*rnd-1)
	d = time.Duration(float64(d) * factor)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Bounds returns the smallest and largest value Delay can return for n.
func (p BackoffPolicy) Bounds(n int) (time.Duration, time.Duration) {
	d := p.nominal(n)
	lo := time.Duration(float64(d) * (1 - p.Jitter))
	hi := time.Duration(float64(d) * (1 + p.Jitter))
	if hi > p.MaxDelay {
		hi = p.MaxDelay
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func (p BackoffPolicy) nominal(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 62 {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(n)
	if d <= 0 || d > p.MaxDelay || d>>uint(n) != p.BaseDelay {
		return p.MaxDelay
	}
	return d
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
