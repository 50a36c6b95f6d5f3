package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet lazily creates one token-bucket limiter per client key (remote
// address or X-Forwarded-For), sized by the RateLimitRPS/RateLimitBurst
// config fields.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
