// Package ratelimit implements per-proxy requests-per-minute limiting with
// in-process token buckets. Buckets live only in memory: a restart refills
// them, which is acceptable for a simulation tool.
package ratelimit

import (
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// bucket pairs a limiter with the rpm it was built for, so a config change
// is detected and the bucket rebuilt on the next request.
type bucket struct {
	lim *rate.Limiter
	rpm int
}

// RPMLimiter hands out one token bucket per proxy. Bucket capacity equals
// the configured rpm, so at most rpm requests can burst through an idle
// bucket; the refill rate is rpm/60 tokens per second.
type RPMLimiter struct {
	buckets *xsync.Map[string, *bucket]
}

func NewRPMLimiter() *RPMLimiter {
	return &RPMLimiter{buckets: xsync.NewMap[string, *bucket]()}
}

// Allow consumes one token from the proxy's bucket, creating or rebuilding
// the bucket if the configured rpm changed. rpm values below 1 deny
// everything.
func (r *RPMLimiter) Allow(proxyID string, rpm int) bool {
	if rpm < 1 {
		return false
	}

	b, ok := r.buckets.Load(proxyID)
	if !ok || b.rpm != rpm {
		b = &bucket{
			lim: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
			rpm: rpm,
		}
		r.buckets.Store(proxyID, b)
	}

	return b.lim.Allow()
}

// Forget drops the proxy's bucket. Called when a proxy stops or is deleted
// so a later start begins with a full bucket.
func (r *RPMLimiter) Forget(proxyID string) {
	r.buckets.Delete(proxyID)
}
