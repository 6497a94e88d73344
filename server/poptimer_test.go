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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPopTimer_IntervalShrinksWithDepthAndClampsToBounds(t *testing.T) {
	depth := 0
	pt := NewPopTimer(10*time.Second, 1*time.Second, 30*time.Second, func() int { return depth })

	require.Equal(t, 10*time.Second, pt.nextInterval())

	depth = 50
	require.Equal(t, 5*time.Second, pt.nextInterval())

	depth = 450 // f(450) = 1/10 -> 1s, sits exactly at the floor
	require.Equal(t, 1*time.Second, pt.nextInterval())

	depth = 10000
	require.Equal(t, 1*time.Second, pt.nextInterval()) // clamped to min, never below it
}

func TestPopTimer_StopEndsNextPopPromptly(t *testing.T) {
	pt := NewPopTimer(time.Minute, time.Second, time.Minute, func() int { return 0 })
	pt.Start()

	done := make(chan bool, 1)
	go func() { done <- pt.NextPop() }()

	pt.Stop()
	pt.Stop() // must be safe to call twice

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("NextPop did not return after Stop")
	}
}
