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
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_Lock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "reconciliation:vps", "owner-1")

	mock.ExpectSetNX("reconciliation:vps", "owner-1", 5*time.Second).SetVal(true)
	mock.ExpectSetNX("reconciliation:vps", "owner-1", 5*time.Second).SetVal(false)

	assert.NoError(t, locker.Lock(context.Background(), 5*time.Second))
	err := locker.Lock(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "reconciliation:vps", "owner-1")

	mock.ExpectEval(unlockScript, []string{"reconciliation:vps"}, "owner-1").SetVal(int64(1))
	mock.ExpectEval(unlockScript, []string{"reconciliation:vps"}, "owner-1").SetVal(int64(0))

	assert.NoError(t, locker.Unlock(context.Background()))
	assert.EqualError(t, locker.Unlock(context.Background()),
		"unlock failed, either lock expired or you're not the lock holder for key reconciliation:vps")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Extend(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "reconciliation:domain", "owner-1")

	mock.ExpectEval(extendScript, []string{"reconciliation:domain"}, "owner-1", "10000").SetVal(int64(1))

	assert.NoError(t, locker.Extend(context.Background(), 10*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyedLocker_TryLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	kl := NewKeyedLocker(db, "reconciliation:")

	mock.ExpectSetNX("reconciliation:payment", kl.owner, time.Minute).SetVal(true)
	mock.ExpectEval(extendScript, []string{"reconciliation:payment"}, kl.owner, "60000").SetVal(int64(1))
	mock.ExpectEval(unlockScript, []string{"reconciliation:payment"}, kl.owner).SetVal(int64(1))
	mock.ExpectSetNX("reconciliation:payment", kl.owner, time.Minute).SetVal(false)
	mock.ExpectSetNX("reconciliation:payment", kl.owner, time.Minute).SetErr(errors.New("connection refused"))

	lease, ok, err := kl.TryLock(context.Background(), "payment", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, lease.Extend(context.Background(), time.Minute))
	assert.NoError(t, lease.Unlock(context.Background()))

	_, ok, err = kl.TryLock(context.Background(), "payment", time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = kl.TryLock(context.Background(), "payment", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
