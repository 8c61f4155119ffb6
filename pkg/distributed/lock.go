package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held by this holder")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a Redis SET NX lease. Each successful TryAcquire yields a Lease
// with its own token, so one Lock can be acquired repeatedly.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewLock(client redis.UniversalClient, key string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, ttl: ttl}
}

// Lease is a held lock. It is renewed at ttl/2 until Release.
type Lease struct {
	lock  *Lock
	token string
	stop  chan struct{}
	done  chan struct{}
}

// TryAcquire returns (nil, nil) when another holder owns the lock.
func (l *Lock) TryAcquire(ctx context.Context) (*Lease, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, nil
	}

	lease := &Lease{lock: l, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	go lease.renew()
	return lease, nil
}

func (ls *Lease) renew() {
	defer close(ls.done)

	ticker := time.NewTicker(ls.lock.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ls.lock.ttl/2)
			n, err := extendScript.Run(ctx, ls.lock.client, []string{ls.lock.key}, ls.token, ls.lock.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		case <-ls.stop:
			return
		}
	}
}

// Release stops renewal and deletes the key if this lease still owns it.
func (ls *Lease) Release(ctx context.Context) error {
	close(ls.stop)
	<-ls.done

	n, err := releaseScript.Run(ctx, ls.lock.client, []string{ls.lock.key}, ls.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", ls.lock.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Do runs fn while holding the lock. It reports false without calling fn when
// another holder owns it.
func (l *Lock) Do(ctx context.Context, fn func(context.Context)) (bool, error) {
	lease, err := l.TryAcquire(ctx)
	if err != nil || lease == nil {
		return false, err
	}
	defer func() {
		_ = lease.Release(context.WithoutCancel(ctx))
	}()

	fn(ctx)
	return true, nil
}
