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
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Violation is a per-player penalty record gating future start_search
// calls until it expires.
type Violation struct {
	PlayerID     uuid.UUID
	TimeOffended time.Time
	ExpiresAt    time.Time
}

// Active reports whether the violation still bans the player at instant t.
func (v Violation) Active(t time.Time) bool {
	return t.Before(v.ExpiresAt)
}

// ViolationService tracks per-player recent offences and yields remaining
// ban time. The ban-duration policy is a parameter of the service, not of
// the matchmaking core (spec.md §4.2).
type ViolationService struct {
	mu        sync.Mutex
	banDuration time.Duration
	byPlayer  map[uuid.UUID]Violation
	now       func() time.Time
}

// NewViolationService constructs a ViolationService whose ban duration for
// every newly registered violation is banDuration.
func NewViolationService(banDuration time.Duration) *ViolationService {
	return &ViolationService{
		banDuration: banDuration,
		byPlayer:    make(map[uuid.UUID]Violation),
		now:         time.Now,
	}
}

// GetViolations returns the active violations (ban_expires_at in the
// future) among players. Expired entries are evicted lazily as they are
// encountered.
func (v *ViolationService) GetViolations(players []*Player) map[uuid.UUID]Violation {
	now := v.now()
	out := make(map[uuid.UUID]Violation)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range players {
		viol, ok := v.byPlayer[p.ID]
		if !ok {
			continue
		}
		if !viol.Active(now) {
			delete(v.byPlayer, p.ID)
			continue
		}
		out[p.ID] = viol
	}
	return out
}

// RegisterViolations records a fresh violation for each player, expiring
// banDuration from now.
func (v *ViolationService) RegisterViolations(players []*Player) {
	now := v.now()
	expires := now.Add(v.banDuration)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range players {
		v.byPlayer[p.ID] = Violation{
			PlayerID:     p.ID,
			TimeOffended: now,
			ExpiresAt:    expires,
		}
	}
}
