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

package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds a provider call. Each attempt gets AttemptTimeout and
// the retries stop once MaxElapsed has passed.
type RetryPolicy struct {
	AttemptTimeout  time.Duration
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AttemptTimeout:  30 * time.Second,
		MaxElapsed:      20 * time.Second,
		InitialInterval: 500 * time.Millisecond,
	}
}

// Call runs op with exponential backoff until it succeeds, returns a
// permanent error, the policy gives up, or ctx is done.
func Call[T any](ctx context.Context, policy RetryPolicy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	b.MaxElapsedTime = policy.MaxElapsed

	attempt := 0
	operation := func() (T, error) {
		attempt++
		callCtx := ctx
		if policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
			defer cancel()
		}

		result, err := op(callCtx)
		if err != nil && (IsPermanent(err) || errors.Is(err, ErrNotFound)) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"call":    name,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("provider call failed, retrying")
	}

	return backoff.RetryNotifyWithData(operation, backoff.WithContext(b, ctx), notify)
}
