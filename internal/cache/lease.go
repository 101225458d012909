package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/gymvision/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Owner-checked scripts so a holder whose lease lapsed and was taken over
// cannot extend or delete the new holder's lease.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

var _ queue.Leaser = (*RedisCache)(nil)

func (c *RedisCache) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, LeaseKey(name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring a lease we already hold extends it.
	if err := c.RenewLease(ctx, name, owner, ttl); err == nil {
		return true, nil
	}
	return false, nil
}

func (c *RedisCache) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, c.client, []string{LeaseKey(name)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", name, err)
	}
	if n == 0 {
		return queue.ErrLeaseNotHeld
	}
	return nil
}

func (c *RedisCache) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, c.client, []string{LeaseKey(name)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
