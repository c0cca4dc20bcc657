// Package middleware holds HTTP middleware for the ingestion API.
package middleware

import (
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	sweepInterval = 5 * time.Minute
	idleAfter     = 10 * time.Minute
)

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

type limiterShard struct {
	mu      sync.RWMutex
	sources map[string]*bucket
}

// RateLimiter is a token bucket per request source, sharded to keep lock
// contention low when many agents report at once.
type RateLimiter struct {
	shards []*limiterShard
	mask   uint32
	rate   float64
	burst  float64

	sweep     *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter allows ratePerSec requests per source with bursts of up to
// burst. shardCount is rounded up to a power of two.
func NewRateLimiter(ratePerSec, burst, shardCount int) *RateLimiter {
	n := 1
	for n < shardCount {
		n <<= 1
	}
	shards := make([]*limiterShard, n)
	for i := range shards {
		shards[i] = &limiterShard{sources: make(map[string]*bucket)}
	}
	rl := &RateLimiter{
		shards: shards,
		mask:   uint32(n - 1),
		rate:   float64(ratePerSec),
		burst:  float64(burst),
		sweep:  time.NewTicker(sweepInterval),
		done:   make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) shardFor(source string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(source))
	return rl.shards[h.Sum32()&rl.mask]
}

func (rl *RateLimiter) bucketFor(source string) *bucket {
	shard := rl.shardFor(source)

	shard.mu.RLock()
	b, ok := shard.sources[source]
	shard.mu.RUnlock()
	if ok {
		return b
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if b, ok = shard.sources[source]; !ok {
		b = &bucket{tokens: rl.burst, lastSeen: time.Now()}
		shard.sources[source] = b
	}
	return b
}

// Allow takes one token from source's bucket.
func (rl *RateLimiter) Allow(source string) bool {
	b := rl.bucketFor(source)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops the bucket for source.
func (rl *RateLimiter) Forget(source string) {
	shard := rl.shardFor(source)
	shard.mu.Lock()
	delete(shard.sources, source)
	shard.mu.Unlock()
}

// Sources reports how many buckets are tracked.
func (rl *RateLimiter) Sources() int {
	n := 0
	for _, shard := range rl.shards {
		shard.mu.RLock()
		n += len(shard.sources)
		shard.mu.RUnlock()
	}
	return n
}

func (rl *RateLimiter) sweepLoop() {
	for {
		select {
		case <-rl.sweep.C:
			rl.evictIdle(time.Now().Add(-idleAfter))
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(cutoff time.Time) {
	for _, shard := range rl.shards {
		shard.mu.Lock()
		for source, b := range shard.sources {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(shard.sources, source)
			}
		}
		shard.mu.Unlock()
	}
}

func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		rl.sweep.Stop()
		close(rl.done)
	})
}

// Handler rejects requests over the limit with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := ClientIP(r)
		if !rl.Allow(source) {
			log.WithFields(log.Fields{"source": source, "path": r.URL.Path}).Debug("rate limited")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, falling back to the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
