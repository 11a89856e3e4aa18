package signal

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the limiter table. When it is full, idle entries are
// pruned first and the oldest entry goes if that frees nothing.
const maxTrackedIPs = 10000

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one rate limiter per client IP. A zero rate allows everything.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	limit   rate.Limit
	burst   int
	// idle is how long an entry takes to refill completely. After that it
	// is indistinguishable from a fresh one and can be dropped.
	idle time.Duration
	now  func() time.Time
}

func newIPLimiter(perMinute, burst int, now func() time.Time) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &ipLimiter{
		entries: make(map[string]*ipEntry),
		burst:   burst,
		now:     now,
	}
	if perMinute > 0 {
		l.limit = rate.Limit(float64(perMinute) / 60.0)
		l.idle = time.Duration(float64(burst) / float64(l.limit) * float64(time.Second))
	}
	return l
}

func (l *ipLimiter) Allow(ip string) bool {
	if l.limit <= 0 || ip == "" {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= maxTrackedIPs {
			l.pruneLocked(now)
		}
		e = &ipEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune drops entries that have been idle long enough to be full again and
// returns how many were removed.
func (l *ipLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(now)
}

func (l *ipLimiter) pruneLocked(now time.Time) int {
	removed := 0
	var oldestIP string
	var oldest time.Time
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.idle {
			delete(l.entries, ip)
			removed++
			continue
		}
		if oldestIP == "" || e.lastSeen.Before(oldest) {
			oldestIP, oldest = ip, e.lastSeen
		}
	}
	if removed == 0 && len(l.entries) >= maxTrackedIPs && oldestIP != "" {
		delete(l.entries, oldestIP)
		removed++
	}
	return removed
}

func (l *ipLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
