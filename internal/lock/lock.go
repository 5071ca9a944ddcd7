// Package lock serializes notification processing per payment reference
// across service instances.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payrelay/internal/config"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "payrelay:notification:"

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	errNotConfigured = errors.New("lock client not configured")
	errEmptyKey      = errors.New("lock key is empty")
	errInvalidTTL    = errors.New("lock ttl must be positive")
)

type Locker struct {
	client redis.Cmdable
	script *redis.Script
}

func NewLocker(client redis.Cmdable) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// Key namespaces a payment reference.
func Key(referenceID string) string {
	return keyPrefix + strings.TrimSpace(referenceID)
}

// TryLock sets key with a fresh token when nobody holds it. The token must be
// handed back to Release.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errNotConfigured
	}
	if key == "" {
		return "", false, errEmptyKey
	}
	if ttl <= 0 {
		return "", false, errInvalidTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes key only while it still holds token.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

type Params struct {
	fx.In

	Lc  fx.Lifecycle
	Cfg config.Config
	Log *zap.Logger
}

// Provide returns the redis backed locker, or nil when locking is disabled.
func Provide(p Params) paymentdomain.Locker {
	if !p.Cfg.Lock.Enabled {
		p.Log.Info("notification lock disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.Cfg.Lock.RedisAddr,
		Password: p.Cfg.Lock.RedisPassword,
		DB:       p.Cfg.Lock.RedisDB,
	})
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				p.Log.Warn("notification lock redis unreachable", zap.String("addr", p.Cfg.Lock.RedisAddr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	p.Log.Info("notification lock enabled", zap.String("addr", p.Cfg.Lock.RedisAddr))
	return NewLocker(client)
}

var Module = fx.Module("lock",
	fx.Provide(Provide),
)
