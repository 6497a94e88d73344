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
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// LaunchErrorKind classifies why MatchLauncher.StartGame failed
// (spec.md §7).
type LaunchErrorKind int

const (
	// ErrKindNotConnected: host or one-or-more guests lacked a connection,
	// or failed readiness within timeout.
	ErrKindNotConnected LaunchErrorKind = iota
	// ErrKindGameClosed: the game instance at a player's end closed
	// during setup.
	ErrKindGameClosed
	// ErrKindEmptyPool: no map pool or no map eligible.
	ErrKindEmptyPool
	// ErrKindStoreUnavailable: a database error during the launch's
	// history-fetch step.
	ErrKindStoreUnavailable
	// ErrKindUnexpected: any other failure.
	ErrKindUnexpected
)

func (k LaunchErrorKind) String() string {
	switch k {
	case ErrKindNotConnected:
		return "not-connected"
	case ErrKindGameClosed:
		return "game-closed"
	case ErrKindEmptyPool:
		return "empty-pool"
	case ErrKindStoreUnavailable:
		return "store-unavailable"
	default:
		return "unexpected"
	}
}

// LaunchError is the error type every MatchLauncher failure path returns.
// A bare context.DeadlineExceeded escaping the launcher is a programming
// error: every suspension point inside StartGame must be converted to one
// of these kinds before it propagates (spec.md §5, §7).
type LaunchError struct {
	Kind     LaunchErrorKind
	players  []*Player
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed: %s", e.Kind)
}

// NewLaunchError constructs a LaunchError of the given kind, naming the
// players responsible (if any — empty-pool and store-unavailable name
// none).
func NewLaunchError(kind LaunchErrorKind, players ...*Player) *LaunchError {
	return &LaunchError{Kind: kind, players: players}
}

// Violators returns the players who should have a violation registered
// against them for this failure. Only not-connected and game-closed
// assign blame; empty-pool and store-unavailable are nobody's fault
// (spec.md §7, and the original ladder service's unready/re-queue
// behaviour recovered in SPEC_FULL.md §12).
func (e *LaunchError) Violators() []*Player {
	switch e.Kind {
	case ErrKindNotConnected, ErrKindGameClosed:
		return e.players
	default:
		return nil
	}
}

// PlayerIDs returns the IDs of the players this error names.
func (e *LaunchError) PlayerIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(e.players))
	for i, p := range e.players {
		ids[i] = p.ID
	}
	return ids
}

// MetricOutcome maps a LaunchErrorKind onto the `matches{queue, outcome}`
// metric label (spec.md §6).
func (e *LaunchError) MetricOutcome() string {
	switch e.Kind {
	case ErrKindNotConnected:
		return "TIMED_OUT"
	case ErrKindGameClosed:
		return "ABORTED_BY_PLAYER"
	default:
		return "ERRORED"
	}
}
