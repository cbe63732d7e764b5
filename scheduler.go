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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a recurring operation run by the Scheduler.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler runs each task on its own ticker. A task never overlaps with
// itself: the next tick is only taken after the previous run returned.
type Scheduler struct {
	tasks   []Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewScheduler(tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, stopCh: make(chan struct{})}
}

func (s *Scheduler) Tasks() []Task {
	return s.tasks
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			logrus.WithField("task", task.Name).Warn("skipping scheduled task without interval")
			continue
		}
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.run(ctx, t, stop)
		}(task)
	}

	logrus.WithField("tasks", len(s.tasks)).Info("scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Info("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, task Task, stop <-chan struct{}) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.runOnce(ctx, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithField("task", task.Name).Errorf("scheduled task panicked: %v", rec)
		}
	}()
	task.Run(ctx)
}
