package limiter

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
)

// idleAfter is how long a key may sit unused before its bucket is dropped.
const idleAfter = 10 * time.Minute

type entry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key (rater id).
type Limiter struct {
	logger *zap.Logger
	limit  rate.Limit
	burst  int

	mu      sync.Mutex
	entries map[string]*entry
	sweep   time.Time
	now     func() time.Time
}

// New returns a keyed limiter allowing limit events per second with the given
// burst. A non-positive limit disables limiting.
func New(logger *zap.Logger, limit float64, burst int) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		logger:  logger.With(zap.String(logging.FieldComponent, "limiter")),
		limit:   rate.Limit(limit),
		burst:   burst,
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// Limit reports whether the call for key must be rejected.
func (l *Limiter) Limit(key string) bool {
	if l == nil || l.limit <= 0 {
		return false
	}
	now := l.now()

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{l: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	if now.Sub(l.sweep) > idleAfter {
		l.evict(now)
	}
	l.mu.Unlock()

	allowed := e.l.AllowN(now, 1)
	l.logger.Debug("Rate limit check",
		zap.String(logging.FieldRaterID, key),
		zap.Bool("allowed", allowed),
		zap.Float64("limit", float64(l.limit)),
		zap.Int("burst", l.burst),
	)
	return !allowed
}

func (l *Limiter) evict(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > idleAfter {
			delete(l.entries, key)
		}
	}
	l.sweep = now
}
