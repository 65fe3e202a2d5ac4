package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Op selects which per-agent meter a request draws from.
type Op int

const (
	OpCreate Op = iota
	OpRespond
)

// RateLimiter keeps two token buckets per agent: one for elicitation
// creation, one for response submission. Decisions update a fixed-size bucket
// and never allocate beyond the first request an agent makes.
type RateLimiter struct {
	mu       sync.Mutex
	perAgent map[string]*agentMeters

	createPerMin  float64
	respondPerMin float64
	burst         int
	now           func() time.Time
}

type agentMeters struct {
	create  *rate.Limiter
	respond *rate.Limiter

	// audited flags implement the once-per-drain SecurityViolation rule:
	// the first denial after a drain is audit-worthy, the rest are not,
	// preventing log amplification.
	createAudited  bool
	respondAudited bool
}

// NewRateLimiter creates per-agent meters with per-minute rates.
func NewRateLimiter(createPerMin, respondPerMin float64, burst int, now func() time.Time) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		perAgent:      make(map[string]*agentMeters),
		createPerMin:  createPerMin,
		respondPerMin: respondPerMin,
		burst:         burst,
		now:           now,
	}
}

// Allow reports whether the agent may perform op now. audit is true when the
// denial is the first since the bucket drained and should be recorded as a
// SecurityViolation.
func (r *RateLimiter) Allow(agent string, op Op) (allowed, audit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.perAgent[agent]
	if !ok {
		m = &agentMeters{
			create:  rate.NewLimiter(rate.Limit(r.createPerMin/60.0), r.burst),
			respond: rate.NewLimiter(rate.Limit(r.respondPerMin/60.0), r.burst),
		}
		r.perAgent[agent] = m
	}

	now := r.now()
	switch op {
	case OpCreate:
		if m.create.AllowN(now, 1) {
			m.createAudited = false
			return true, false
		}
		if !m.createAudited {
			m.createAudited = true
			return false, true
		}
		return false, false
	default:
		if m.respond.AllowN(now, 1) {
			m.respondAudited = false
			return true, false
		}
		if !m.respondAudited {
			m.respondAudited = true
			return false, true
		}
		return false, false
	}
}

// Forget drops an agent's meters (e.g. after its last session is revoked).
func (r *RateLimiter) Forget(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perAgent, agent)
}
