package relay

import (
	"net/http"
	"time"
)

const rateWindow = time.Minute

// rateBucket is a ring buffer of request timestamps for one IP. Its size is
// the limit in force when the bucket was created; a changed limit takes
// effect as buckets are recreated.
type rateBucket struct {
	times []time.Time
	head  int
	count int
}

func (b *rateBucket) trim(cutoff time.Time) {
	for b.count > 0 {
		if b.times[b.head].After(cutoff) {
			break
		}
		b.head = (b.head + 1) % len(b.times)
		b.count--
	}
}

// limitWrites applies the per-IP sliding window to state-changing requests.
func (s *Server) limitWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPatch, http.MethodDelete:
			if !s.allowWrite(extractIP(r.RemoteAddr)) {
				s.metrics.limited.Inc()
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// allowWrite checks the per-IP sliding window rate limit.
func (s *Server) allowWrite(ip string) bool {
	s.cfgMu.RLock()
	limit := s.rateLimit
	s.cfgMu.RUnlock()
	if limit <= 0 {
		return true
	}

	now := s.clock.Now()
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	bucket, ok := s.rateWindow[ip]
	if !ok || len(bucket.times) != limit && bucket.count == 0 {
		bucket = &rateBucket{times: make([]time.Time, limit)}
		s.rateWindow[ip] = bucket
	}
	bucket.trim(now.Add(-rateWindow))

	if bucket.count >= len(bucket.times) {
		return false
	}
	idx := (bucket.head + bucket.count) % len(bucket.times)
	bucket.times[idx] = now
	bucket.count++
	return true
}

// cleanupRateLimiter removes idle entries from the rate limiter map.
func (s *Server) cleanupRateLimiter() {
	cutoff := s.clock.Now().Add(-rateWindow)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	for ip, bucket := range s.rateWindow {
		bucket.trim(cutoff)
		if bucket.count == 0 {
			delete(s.rateWindow, ip)
		}
	}
}
