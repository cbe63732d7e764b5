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

package reseller

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RequeueStale releases processing leases older than the configured stale
// threshold. The abandoned attempt counts as a retry, so a job whose budget
// it exhausts lands in failed rather than pending.
func (q *JobQueue) RequeueStale(ctx context.Context) (int64, error) {
	return q.requeueStaleWithThreshold(ctx, q.cfg.StaleLease)
}

func (q *JobQueue) requeueStaleWithThreshold(ctx context.Context, threshold time.Duration) (int64, error) {
	now := q.now()
	n, err := q.store.RequeueStaleJobs(ctx, q.kind, now.Add(-threshold), now)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	q.metrics.AddStaleLeases(q.kind, n)
	logrus.WithFields(logrus.Fields{
		"kind":      q.kind,
		"count":     n,
		"threshold": threshold.String(),
	}).Warn("requeued jobs with expired processing leases")
	publish(ctx, q.events, EventJobsRequeued, map[string]interface{}{
		"kind":      q.kind,
		"count":     n,
		"threshold": threshold.String(),
	})
	return n, nil
}

// RecoverStaleJobs runs the stale-lease sweep on every queue right away,
// using threshold instead of the configured one. The threshold is never
// allowed below the processing timeout so a live attempt is not released.
func (r *Reseller) RecoverStaleJobs(ctx context.Context, threshold time.Duration) (map[string]int64, error) {
	recovered := make(map[string]int64, len(r.queues))
	for _, kind := range r.jobKinds() {
		q := r.queues[kind]
		t := threshold
		if t <= 0 {
			t = q.cfg.StaleLease
		}
		if q.cfg.ProcessTimeout > 0 && t <= q.cfg.ProcessTimeout {
			t = q.cfg.ProcessTimeout + time.Minute
		}
		n, err := q.requeueStaleWithThreshold(ctx, t)
		if err != nil {
			return recovered, fmt.Errorf("requeue stale %s jobs: %w", kind, err)
		}
		recovered[kind] = n
	}
	return recovered, nil
}
