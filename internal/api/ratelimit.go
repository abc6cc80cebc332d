package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterIdleTTL drops agents that have not called for this long.
	limiterIdleTTL = 10 * time.Minute
	// limiterMaxAgents bounds the table; the least recently seen agent goes first.
	limiterMaxAgents = 4096
)

type agentEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// agentLimiter keeps one token bucket per calling agent. Anonymous calls
// share the "" bucket.
type agentLimiter struct {
	mu        sync.Mutex
	agents    map[string]*agentEntry
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	maxAgents int
	lastSweep time.Time
	now       func() time.Time
}

func newAgentLimiter(burst int, perMinute float64) *agentLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &agentLimiter{
		agents:    make(map[string]*agentEntry),
		limit:     rate.Limit(perMinute / 60.0),
		burst:     burst,
		idleTTL:   limiterIdleTTL,
		maxAgents: limiterMaxAgents,
		now:       time.Now,
	}
}

func (l *agentLimiter) Allow(agent string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweepLocked(now)
	}

	e, ok := l.agents[agent]
	if !ok {
		if len(l.agents) >= l.maxAgents {
			l.sweepLocked(now)
		}
		if len(l.agents) >= l.maxAgents {
			l.evictOldestLocked()
		}
		e = &agentEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.agents[agent] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (l *agentLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.agents)
}

func (l *agentLimiter) sweepLocked(now time.Time) {
	l.lastSweep = now
	for agent, e := range l.agents {
		if now.Sub(e.seen) >= l.idleTTL {
			delete(l.agents, agent)
		}
	}
}

func (l *agentLimiter) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	first := true
	for agent, e := range l.agents {
		if first || e.seen.Before(oldestSeen) {
			oldest, oldestSeen, first = agent, e.seen, false
		}
	}
	if !first {
		delete(l.agents, oldest)
	}
}

// allowDispatch answers 429 when agent has used up its bucket.
func (s *Server) allowDispatch(w http.ResponseWriter, agent string) bool {
	if s.limiter == nil || s.limiter.Allow(agent) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded for agent "+agentLabel(agent))
	return false
}

func agentLabel(agent string) string {
	if agent == "" {
		return "(anonymous)"
	}
	return agent
}
