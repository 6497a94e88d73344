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

func TestViolationService_RegisterThenLookup(t *testing.T) {
	v := NewViolationService(5 * time.Minute)
	now := time.Now()
	v.now = func() time.Time { return now }

	p := newTestPlayer(t, "offender")
	require.Empty(t, v.GetViolations([]*Player{p}))

	v.RegisterViolations([]*Player{p})

	viols := v.GetViolations([]*Player{p})
	require.Len(t, viols, 1)
	require.Equal(t, now.Add(5*time.Minute), viols[p.ID].ExpiresAt)
}

func TestViolationService_ExpiredViolationsAreEvicted(t *testing.T) {
	v := NewViolationService(5 * time.Minute)
	now := time.Now()
	v.now = func() time.Time { return now }

	p := newTestPlayer(t, "offender")
	v.RegisterViolations([]*Player{p})

	v.now = func() time.Time { return now.Add(6 * time.Minute) }
	require.Empty(t, v.GetViolations([]*Player{p}))

	// eviction must actually remove the entry, not merely hide it.
	v.now = func() time.Time { return now }
	require.Empty(t, v.GetViolations([]*Player{p}))
}
