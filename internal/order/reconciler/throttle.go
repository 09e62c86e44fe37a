package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

const DefaultCheckThrottle = 5 * time.Second

// Throttle reports whether an on-demand check for id may hit the gateway now.
type Throttle interface {
	Allow(ctx context.Context, id domain.OrderID) (bool, error)
}

// MemoryThrottle allows one check per order per Window within this process.
type MemoryThrottle struct {
	Window time.Duration

	clock func() time.Time
	mu    sync.Mutex
	last  map[domain.OrderID]time.Time
}

func NewMemoryThrottle(window time.Duration, clock func() time.Time) *MemoryThrottle {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryThrottle{Window: window, clock: clock, last: make(map[domain.OrderID]time.Time)}
}

func (t *MemoryThrottle) Allow(_ context.Context, id domain.OrderID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	if last, ok := t.last[id]; ok && now.Sub(last) < t.Window {
		return false, nil
	}
	t.last[id] = now
	for k, v := range t.last {
		if now.Sub(v) >= t.Window {
			delete(t.last, k)
		}
	}
	return true, nil
}

// RedisThrottle shares the window across service replicas with SET NX PX.
type RedisThrottle struct {
	Client *redis.Client
	Window time.Duration
	Prefix string
}

func NewRedisThrottle(client *redis.Client, window time.Duration) *RedisThrottle {
	return &RedisThrottle{Client: client, Window: window, Prefix: "pixsales:check:"}
}

func (t *RedisThrottle) Allow(ctx context.Context, id domain.OrderID) (bool, error) {
	if t.Window <= 0 {
		return true, nil
	}
	return t.Client.SetNX(ctx, t.Prefix+string(id), 1, t.Window).Result()
}
