package api

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// submitLimiter throttles new submissions across all clients. A nil limiter
// admits everything.
type submitLimiter struct {
	limiter *rate.Limiter
}

func newSubmitLimiter(perSecond float64, burst int) *submitLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &submitLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// allow reports whether a submission may proceed now and, when not, how long
// the caller should wait.
func (l *submitLimiter) allow() (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	res := l.limiter.Reserve()
	if !res.OK() {
		return false, time.Second
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := s.limiter.allow()
		if !ok {
			secs := int(wait.Seconds())
			if wait%time.Second != 0 {
				secs++
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.writeError(w, http.StatusTooManyRequests, "too many submissions, retry later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
