package transport

import "golang.org/x/time/rate"

const defaultRequestsPerSecond = 10

// newRateLimiter builds the outbound request limiter. Senders block in
// Wait until the bucket admits them; the default burst equals one second
// worth of requests.
func newRateLimiter(cfg *RateLimitConfig) *rate.Limiter {
	rps := float64(defaultRequestsPerSecond)
	if cfg != nil && cfg.RequestsPerSecond > 0 {
		rps = cfg.RequestsPerSecond
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	if cfg != nil && cfg.Burst > 0 {
		burst = cfg.Burst
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
