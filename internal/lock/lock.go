/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

var ErrLockHeld = errors.New("lock is already held")

// Locker is a single-key lease lock. value identifies the holder so only it
// can release or extend the lease.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// Lease is a held lock its holder can renew or release.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
}

// KeyedLocker hands out leases on arbitrary keys for one process. Each
// process should use its own owner id.
type KeyedLocker struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

func NewKeyedLocker(client redis.UniversalClient, prefix string) *KeyedLocker {
	return &KeyedLocker{client: client, prefix: prefix, owner: uuid.NewString()}
}

// TryLock takes the lease on key without waiting. acquired is false, with a
// nil error, when another holder has it.
func (k *KeyedLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l := NewLocker(k.client, k.prefix+key, k.owner)
	if err := l.Lock(ctx, ttl); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return l, true, nil
}
