package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "clientdesk:"

// The lease is deleted only by the token that set it.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLock       = errors.New("invalid_lock_request")
	// ErrLockLost means the lease expired or moved to another holder before release.
	ErrLockLost = errors.New("lock_lost")
)

// Locker is a single-key Redis lease that keeps scheduler jobs such as the
// overdue sweep on one replica at a time. Keys are namespaced per application.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLock returns the lease token and whether this caller now holds key.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrLockNotConfigured
	}
	if err := validateLock(key, ttl); err != nil {
		return "", false, err
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, acquired, nil
}

// Release drops the lease held by token. A lease that already expired
// returns ErrLockLost so callers can flag a job that outran its TTL.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	deleted, err := l.script.Run(ctx, l.client, []string{lockKeyPrefix + key}, token).Int64()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockLost
	}
	return nil
}

func validateLock(key string, ttl time.Duration) error {
	switch {
	case key == "":
		return errors.Join(ErrInvalidLock, errors.New("lock key is empty"))
	case ttl <= 0:
		return errors.Join(ErrInvalidLock, errors.New("lock ttl must be positive"))
	default:
		return nil
	}
}
