package fallback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger lets at most one warning through per interval. Suppressed
// warnings are counted and reported with the next one that gets through.
type rateLimitedLogger struct {
	logger *zerolog.Logger

	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(logger *zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

// Warn returns a warn-level event, or nil when the interval has not elapsed
// since the last one. A nil *zerolog.Event discards everything chained on it.
func (l *rateLimitedLogger) Warn() *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return nil
	}
	l.lastAt = now
	ev := l.logger.Warn()
	if l.suppressed > 0 {
		ev = ev.Int("suppressed", l.suppressed)
		l.suppressed = 0
	}
	return ev
}
