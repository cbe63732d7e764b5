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

package model

import "time"

const ReconciliationKindPayment = "payment"

// ReconciliationCounters are the counters one cycle accumulates.
type ReconciliationCounters struct {
	Checked           int `json:"checked"`
	Updated           int `json:"updated"`
	Orphaned          int `json:"orphaned"`
	Recovered         int `json:"recovered"`
	Expired           int `json:"expired"`
	Errors            int `json:"errors"`
	StatusUpdates     int `json:"status_updates"`
	SuspensionUpdates int `json:"suspension_updates"`
	IPUpdates         int `json:"ip_updates"`
	DiskUpdates       int `json:"disk_updates"`
}

func (c *ReconciliationCounters) Add(o ReconciliationCounters) {
	c.Checked += o.Checked
	c.Updated += o.Updated
	c.Orphaned += o.Orphaned
	c.Recovered += o.Recovered
	c.Expired += o.Expired
	c.Errors += o.Errors
	c.StatusUpdates += o.StatusUpdates
	c.SuspensionUpdates += o.SuspensionUpdates
	c.IPUpdates += o.IPUpdates
	c.DiskUpdates += o.DiskUpdates
}

// CycleResult is the outcome of a single reconciliation cycle.
type CycleResult struct {
	Kind string `json:"kind"`
	ReconciliationCounters
	Skipped   bool          `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ReconciliationStats accumulates counters across the cycles of one kind.
type ReconciliationStats struct {
	Kind string `json:"kind"`
	ReconciliationCounters
	Cycles        int           `json:"cycles"`
	SkippedCycles int           `json:"skipped_cycles"`
	LastRunAt     *time.Time    `json:"last_run_at,omitempty"`
	LastDuration  time.Duration `json:"last_duration"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorAt   *time.Time    `json:"last_error_at,omitempty"`
}
