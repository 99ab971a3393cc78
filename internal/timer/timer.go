// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timer runs periodic callbacks. Every callback, whichever
// timer fired it, runs on the single goroutine that calls Run, so
// callbacks never race each other.
package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Forever is a repeat count that never runs out.
const Forever = -1

// ID identifies a timer.
type ID uint64

type entry struct {
	name      string
	cancelled atomic.Bool
	stop      chan struct{}
}

// Scheduler owns the timers and the callback goroutine.
type Scheduler struct {
	logger log.Logger
	clock  clock.Clock
	queue  chan func()
	done   chan struct{}

	mu     sync.Mutex
	nextID ID
	timers map[ID]*entry
}

func New(logger log.Logger, clk clock.Clock) *Scheduler {
	return &Scheduler{
		logger: log.With(logger, "component", "timer"),
		clock:  clk,
		queue:  make(chan func(), 64),
		done:   make(chan struct{}),
		timers: map[ID]*entry{},
	}
}

// AddTimer calls cb after initialDelay and then every period, repeat
// times in all (or Forever). repeat must be positive or Forever.
func (s *Scheduler) AddTimer(name string, initialDelay, period time.Duration, repeat int, cb func()) ID {
	e := &entry{name: name, stop: make(chan struct{})}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.timers[id] = e
	s.mu.Unlock()

	t := s.clock.NewTimer(initialDelay)
	go func() {
		defer t.Stop()
		for fired := 1; ; fired++ {
			select {
			case <-t.C():
			case <-e.stop:
				return
			case <-s.done:
				return
			}

			last := repeat != Forever && fired >= repeat
			if !s.Post(func() {
				if last {
					s.forget(id)
				}
				if !e.cancelled.Load() {
					cb()
				}
			}) {
				return
			}
			if last {
				return
			}
			t.Reset(period)
		}
	}()

	level.Debug(s.logger).Log("op", "addTimer", "timer", name, "id", id, "delay", initialDelay, "period", period, "repeat", repeat)
	return id
}

// RemoveTimer cancels a timer. A callback that the timer has queued
// but that hasn't run yet won't run. It returns false if the timer's
// last callback has already run.
func (s *Scheduler) RemoveTimer(id ID) bool {
	s.mu.Lock()
	e, ok := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	e.cancelled.Store(true)
	close(e.stop)
	level.Debug(s.logger).Log("op", "removeTimer", "timer", e.name, "id", id)
	return true
}

func (s *Scheduler) forget(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

// Pending returns the number of timers that haven't finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Post queues fn to run on the callback goroutine. It returns false
// if the scheduler has stopped.
func (s *Scheduler) Post(fn func()) bool {
	select {
	case s.queue <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Run executes queued callbacks until ctx is done. It must be called
// exactly once.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
