package httpclient

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainThrottle enforces a minimum wall-clock gap between starting two
// transfers that share a host (spec §4.5/§8 invariant 6: "admission times
// differ by >= DOMAIN_THROTTLE_SECONDS"). It adapts HostSemaphore's
// process-global per-host map-guarded-by-a-mutex shape from a
// concurrency-limiting semaphore into a time-gated admission check: instead
// of blocking until a slot frees up, TryAdmit returns immediately and the
// caller defers the URL to a later cycle on refusal (spec §9: "deferred
// throttled URLs... is load-shedding, not a bug").
type DomainThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewDomainThrottle returns a throttle admitting at most one transfer start
// per host every interval.
func NewDomainThrottle(interval time.Duration) *DomainThrottle {
	return &DomainThrottle{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// TryAdmit reports whether a transfer to host may start now. Never blocks.
func (d *DomainThrottle) TryAdmit(host string) bool {
	return d.limiterFor(host).Allow()
}

func (d *DomainThrottle) limiterFor(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[host] = l
	}
	return l
}
