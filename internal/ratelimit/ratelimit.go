package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepInterval = time.Minute
	idleTTL       = 5 * time.Minute
)

type sourceLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a token bucket per source IP. The SIP server uses one for
// INVITEs and the status API one for HTTP requests.
type Limiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	sources map[string]*sourceLimit
	logger  *slog.Logger
}

// New allows perSecond events per source with the given burst. A
// non-positive rate disables limiting.
func New(name string, perSecond float64, burst int, logger *slog.Logger) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		limit:   limit,
		burst:   max(burst, 1),
		now:     time.Now,
		sources: make(map[string]*sourceLimit),
		logger:  logger.With("subsystem", "ratelimit", "limiter", name),
	}
}

// Allow reports whether an event from source ("ip:port" or "ip") may
// proceed.
func (l *Limiter) Allow(source string) bool {
	ip := sourceIP(source)
	now := l.now()

	l.mu.Lock()
	entry, ok := l.sources[ip]
	if !ok {
		entry = &sourceLimit{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sources[ip] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Run evicts idle sources until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, entry := range l.sources {
		if entry.lastSeen.Before(cutoff) {
			delete(l.sources, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter sweep", "removed", removed, "remaining", len(l.sources))
	}
}

func sourceIP(source string) string {
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}
