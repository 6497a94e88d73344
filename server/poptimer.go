// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"time"

	"go.uber.org/atomic"
)

// DepthFunc reports the combined active-player count across every queue
// the PopTimer paces.
type DepthFunc func() int

// PopTimer paces the pop loop so high-load queues pop frequently and cold
// queues still pop periodically (spec.md §4.6). There is exactly one
// PopTimer for the whole service.
type PopTimer struct {
	baseInterval time.Duration
	minInterval  time.Duration
	maxInterval  time.Duration
	depth        DepthFunc

	running atomic.Bool
	cancel  chan struct{}
}

// NewPopTimer constructs a PopTimer. base is the nominal inter-pop
// interval at low load; min/max bound the adaptive result.
func NewPopTimer(base, min, max time.Duration, depth DepthFunc) *PopTimer {
	return &PopTimer{
		baseInterval: base,
		minInterval:  min,
		maxInterval:  max,
		depth:        depth,
		cancel:       make(chan struct{}),
	}
}

// nextInterval computes base_interval × f(n), clamped to [min, max], where
// f is monotonically non-increasing in the combined queue depth n. This
// implementation uses f(n) = 1 / (1 + n/50): a queue with no one waiting
// pops at the base cadence, 50 waiting players halve the interval, 100
// cut it to a third, and so on, which is the concrete policy choice
// spec.md §4.6 leaves open.
func (t *PopTimer) nextInterval() time.Duration {
	n := t.depth()
	f := 1.0 / (1.0 + float64(n)/50.0)
	interval := time.Duration(float64(t.baseInterval) * f)
	if interval < t.minInterval {
		interval = t.minInterval
	}
	if interval > t.maxInterval {
		interval = t.maxInterval
	}
	return interval
}

// NextPop suspends the caller until the next scheduled pop instant, or
// returns false immediately if the timer has been stopped. Cancellation
// is prompt: Stop closes the same channel NextPop selects on.
func (t *PopTimer) NextPop() bool {
	select {
	case <-time.After(t.nextInterval()):
		return true
	case <-t.cancel:
		return false
	}
}

// Stop cancels any in-flight or future NextPop call. Safe to call more
// than once.
func (t *PopTimer) Stop() {
	if t.running.CompareAndSwap(true, false) {
		close(t.cancel)
	}
}

// Start marks the timer as running; call once before the pop loop begins
// using NextPop.
func (t *PopTimer) Start() {
	t.running.Store(true)
}
