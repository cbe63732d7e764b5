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

import (
	"encoding/json"
	"time"
)

const (
	JobKindDomainRegistration = "domain_registration"
	JobKindHostingOrder       = "hosting_order"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is one unit of deferred provisioning work. There is at most one job per
// (Kind, OrderRef).
type Job struct {
	ID            string          `json:"job_id"`
	Kind          string          `json:"kind"`
	OrderRef      string          `json:"order_ref"`
	UserID        string          `json:"user_id,omitempty"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsValidJobKind reports whether kind names one of the provisioning queues.
func IsValidJobKind(kind string) bool {
	return kind == JobKindDomainRegistration || kind == JobKindHostingOrder
}

// PaymentContext decodes the job payload.
func (j *Job) PaymentContext() (PaymentContext, error) {
	var pc PaymentContext
	if len(j.Payload) == 0 {
		return pc, nil
	}
	err := json.Unmarshal(j.Payload, &pc)
	return pc, err
}
