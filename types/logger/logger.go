// Package logger defines a type for writing to logs. It's just a
// convenience type so components don't have to pass verbose func(...)
// types around.
package logger

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type used throughout the tethering core: a
// printf-like func.
//
// Logf functions must be safe for concurrent use.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// Discard throws away logs.
func Discard(format string, args ...any) {}

// RateLimitedFn returns a rate-limited version of f. The rate limiter allows
// up to burst logs in the initial burst, then f logs every interval.
// Messages dropped by the limiter are silently discarded.
func RateLimitedFn(f Logf, every time.Duration, burst int, maxCache int) Logf {
	var (
		mu      sync.Mutex
		lim     = rate.NewLimiter(rate.Every(every), burst)
		seen    = map[string]*rate.Limiter{}
		seenAge = map[string]time.Time{}
	)
	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		l, ok := seen[format]
		if !ok {
			if len(seen) >= maxCache {
				for k, t := range seenAge {
					if now.Sub(t) > every*10 {
						delete(seen, k)
						delete(seenAge, k)
					}
				}
			}
			if len(seen) < maxCache {
				l = rate.NewLimiter(rate.Every(every), burst)
				seen[format] = l
			} else {
				l = lim
			}
		}
		seenAge[format] = now
		if !l.Allow() {
			return
		}
		f(format, args...)
	}
}

// Std returns a Logf that writes using fmt.Printf-style formatting to the
// provided sink function, ensuring a trailing newline.
func Std(sink func(string)) Logf {
	return func(format string, args ...any) {
		s := fmt.Sprintf(format, args...)
		if len(s) == 0 || s[len(s)-1] != '\n' {
			s += "\n"
		}
		sink(s)
	}
}
