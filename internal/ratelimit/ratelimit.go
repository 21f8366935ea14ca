package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type LimiterConfig struct {
	RPS   int
	Burst int
}

// Limiter is a token bucket keyed by client. When a redis client is set the
// buckets live in redis and are shared between replicas; otherwise, or while
// redis is unreachable, a per-process bucket is used.
type Limiter struct {
	redis  *redis.Client
	prefix string
	cfg    LimiterConfig

	mu    sync.Mutex
	local map[string]*localBucket
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// localIdle is how long an unused in-process bucket is kept.
const localIdle = 5 * time.Minute

var tokenBucket = redis.NewScript(`
local tokens_key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local bucket = redis.call('HMGET', tokens_key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last) / 1000
tokens = math.min(max_tokens, tokens + delta * refill_rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', tokens_key, 'tokens', tokens, 'last', now)
redis.call('EXPIRE', tokens_key, 60)
return allowed
`)

func New(rdb *redis.Client, prefix string, cfg LimiterConfig) *Limiter {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS
	}
	return &Limiter{redis: rdb, prefix: prefix, cfg: cfg, local: map[string]*localBucket{}}
}

func (l *Limiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(r.Context(), keyFunc(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":` + strconv.Itoa(status) + `}`))
}

func (l *Limiter) Allow(ctx context.Context, key string) bool {
	key = l.prefix + ":" + key
	if l.redis != nil {
		ok, err := l.allowRedis(ctx, key)
		if err == nil {
			return ok
		}
		slog.Warn("rate limiter redis unavailable, using local bucket", "key", key, "error", err)
	}
	return l.allowLocal(key)
}

func (l *Limiter) allowRedis(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	now := time.Now().UnixMilli()
	n, err := tokenBucket.Run(ctx, l.redis, []string{key}, l.cfg.Burst, l.cfg.RPS, now).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Limiter) allowLocal(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.local[key]
	if !ok {
		l.sweepLocked(now)
		b = &localBucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.local[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *Limiter) sweepLocked(now time.Time) {
	for k, b := range l.local {
		if now.Sub(b.seen) > localIdle {
			delete(l.local, k)
		}
	}
}

func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
