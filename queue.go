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
	"encoding/json"
	"errors"

	"github.com/blnkfinance/reseller/config"
	redis_db "github.com/blnkfinance/reseller/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Queue publishes operator events onto an asynq queue backed by Redis.
type Queue struct {
	Client *asynq.Client
	name   string
}

// RedisConnOpt builds asynq connection options from the Redis config.
func RedisConnOpt(conf config.RedisConfig) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Dns, conf.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Username:  redisOption.Username,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func NewQueue(opt asynq.RedisConnOpt, name string) *Queue {
	return &Queue{
		Client: asynq.NewClient(opt),
		name:   name,
	}
}

// NewQueueFromConfig returns nil, without error, when no Redis DSN is
// configured; events are then only logged.
func NewQueueFromConfig(conf *config.Configuration) (*Queue, error) {
	if conf.Redis.Dns == "" {
		return nil, nil
	}
	opt, err := RedisConnOpt(conf.Redis)
	if err != nil {
		return nil, err
	}
	return NewQueue(opt, conf.Queue.WebhookQueue), nil
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Publish(ctx context.Context, event OperatorEvent) error {
	if q == nil {
		return errors.New("operator event queue is not configured")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	task := asynq.NewTask(q.name, payload, asynq.Queue(q.name), asynq.MaxRetry(5))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"event": event.Event, "task_id": info.ID}).Debug("operator event enqueued")
	return nil
}

func (q *Queue) Close() error {
	if q == nil {
		return nil
	}
	return q.Client.Close()
}
