package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// AccountLock implements domain.AccountLock using Redis SETNX with a TTL and
// a Lua-based conditional unlock. It guards account initialization across
// process instances: two bots racing to seed the same account's nonce state
// would otherwise collide inside the exchange's nonce window.
type AccountLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewAccountLock creates an AccountLock backed by the given Client.
func NewAccountLock(c *Client) *AccountLock {
	return &AccountLock{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

var _ domain.AccountLock = (*AccountLock)(nil)

func accountLockKey(accountID string) string {
	return "lock:account:" + accountID
}

// Acquire obtains the initialization lock for an account. On success it
// returns an unlock function that is safe to call more than once. It returns
// domain.ErrLockHeld while another party holds the lock.
func (al *AccountLock) Acquire(ctx context.Context, accountID string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	key := accountLockKey(accountID)

	ok, err := al.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire account lock %s: %w", accountID, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context so unlock succeeds even if the caller's context
		// is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = al.unlockSc.Run(unlockCtx, al.rdb, []string{key}, token).Err()
	}
	return unlock, nil
}
