package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrCalendarBusy = errors.New("provider calendar is busy")
)

// Guard serializes mutations of one provider's calendar across
// processes. The in-process lock table already serializes within a
// single instance; the guard extends that to multi-instance
// deployments. A nil-safe no-op guard is used when Redis is not
// configured.
type Guard interface {
	WithProviderCalendar(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisCalendarGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCalendarGuard creates a guard that uses a per provider Redis key
func NewCalendarGuard(client *redis.Client, ttl time.Duration) Guard {
	return &redisCalendarGuard{
		client: client,
		ttl:    ttl,
	}
}

func (g *redisCalendarGuard) WithProviderCalendar(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("calendar:provider:%s", providerID.String())
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire calendar guard: %w", err)
	}
	if !ok {
		return ErrCalendarBusy
	}

	defer func() {
		_ = g.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, g.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (g *redisCalendarGuard) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, g.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release calendar guard: %w", err)
	}
	return nil
}

type nopGuard struct{}

func (nopGuard) WithProviderCalendar(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NopGuard is used when Redis is not configured (single-instance runs,
// tests).
func NopGuard() Guard { return nopGuard{} }
