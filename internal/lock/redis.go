package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// ErrNotHeld is returned by Release when the lease expired and another
// holder took over.
var ErrNotHeld = errors.New("lock no longer held")

// Redis is a single-instance lease lock (SET NX PX + compare-and-delete).
type Redis struct {
	cli    redis.UniversalClient
	prefix string
	ttl    time.Duration
	// retry backoff bounds
	minWait, maxWait time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(p string) RedisOption     { return func(r *Redis) { r.prefix = p } }
func WithTTL(d time.Duration) RedisOption { return func(r *Redis) { r.ttl = d } }

func WithBackoff(min, max time.Duration) RedisOption {
	return func(r *Redis) { r.minWait, r.maxWait = min, max }
}

func NewRedis(cli redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{cli: cli, prefix: "execgate:lock:", ttl: 30 * time.Second, minWait: 10 * time.Millisecond, maxWait: 250 * time.Millisecond}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRedisFromURL parses a redis:// URL the way the notifier does.
func NewRedisFromURL(url string, opts ...RedisOption) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(opt), opts...), nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	k := r.prefix + key
	token := uuid.NewString()
	wait := r.minWait
	for {
		ok, err := r.cli.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if wait *= 2; wait > r.maxWait {
			wait = r.maxWait
		}
	}

	var (
		once sync.Once
		rerr error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			n, err := unlockScript.Run(ctx, r.cli, []string{k}, token).Int64()
			switch {
			case err != nil:
				rerr = err
			case n == 0:
				rerr = ErrNotHeld
			}
		})
		return rerr
	}, nil
}

func (r *Redis) Close() error { return r.cli.Close() }
