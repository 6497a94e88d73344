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
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
)

// ErrSearchCancelled is returned by AwaitMatch when the Search was
// cancelled before it matched.
var ErrSearchCancelled = errors.New("search cancelled")

// MatchedResult is what AwaitMatch yields on a successful match: the
// opposing Search and the queue the match happened in.
type MatchedResult struct {
	Opponent *Search
	Queue    *MatchmakerQueue
}

// OnMatched is the single-method capability invoked exactly once per Match,
// carrying both full team rosters, once every participating Search has been
// marked matched (spec.md §3, §4.7). Closures and partial application are
// sufficient here; there is no need for an interface hierarchy (see design
// notes in spec.md §9).
type OnMatched func(match Match)

// Search is an immutable bundle of players, a rating type, and a target
// queue, plus a cancellable future awaiting a match. It keeps no copy of
// the ratings: RatingMean and MinDisplayedRating read the players' current
// ratings. Searches are owned exclusively by LadderService's per-player
// registry while active; the owning MatchmakerQueue holds a reference from
// Enqueue until the Search is matched, cancelled or removed (spec.md §3).
type Search struct {
	ID         uuid.UUID
	Players    []*Player
	RatingType RatingType
	QueueName  string
	CreatedAt  time.Time

	onMatched OnMatched

	cancelled atomic.Bool
	matched   atomic.Bool
	done      chan MatchedResult
}

// NewSearch builds a Search for players targeting queueName. onMatched is
// invoked exactly once, from within the owning queue's pop critical
// section, when this Search is picked into a Match.
func NewSearch(players []*Player, ratingType RatingType, queueName string, onMatched OnMatched) *Search {
	return &Search{
		ID:         uuid.Must(uuid.NewV4()),
		Players:    players,
		RatingType: ratingType,
		QueueName:  queueName,
		CreatedAt:  time.Now(),
		onMatched:  onMatched,
		done:       make(chan MatchedResult, 1),
	}
}

// PlayerCount is the number of players this Search represents.
func (s *Search) PlayerCount() int {
	return len(s.Players)
}

// RatingMean is the mean of this Search's participants' rating means on
// its rating type, used by MatchmakerQueue to balance teams.
func (s *Search) RatingMean() float64 {
	if len(s.Players) == 0 {
		return 0
	}
	total := 0.0
	for _, p := range s.Players {
		total += p.Rating(s.RatingType).Mean
	}
	return total / float64(len(s.Players))
}

// MinDisplayedRating is the lowest Displayed() rating across participants,
// used by MatchLauncher to pick a map-pool band.
func (s *Search) MinDisplayedRating() float64 {
	min := 0.0
	for i, p := range s.Players {
		d := p.Rating(s.RatingType).Displayed()
		if i == 0 || d < min {
			min = d
		}
	}
	return min
}

// Age is how long this Search has been waiting, used to widen the
// opponent-rating acceptance band over time.
func (s *Search) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Cancelled reports whether Cancel has been called.
func (s *Search) Cancelled() bool {
	return s.cancelled.Load()
}

// Matched reports whether this Search has already been matched.
func (s *Search) Matched() bool {
	return s.matched.Load()
}

// Cancel is idempotent. After it returns, a subsequent AwaitMatch call
// returns ErrSearchCancelled and the Search is inert. Cancellation is
// edge-triggered: a Search that already matched cannot be cancelled back
// to unmatched (spec.md §4.1).
func (s *Search) Cancel() {
	if s.matched.Load() {
		return
	}
	if s.cancelled.CompareAndSwap(false, true) {
		select {
		case s.done <- MatchedResult{}:
		default:
		}
	}
}

// markMatched is called by the owning queue, inside its pop critical
// section, when this Search is picked into a Match. It only settles this
// Search's own state and wakes AwaitMatch; it never invokes onMatched
// itself, since a Match's notification must fire exactly once regardless of
// how many Searches make up its teams (spec.md §3, §4.7). It must not
// block. Returns whether this call was the one that won the transition.
func (s *Search) markMatched(opponent *Search, queue *MatchmakerQueue) bool {
	if !s.matched.CompareAndSwap(false, true) {
		return false
	}
	select {
	case s.done <- MatchedResult{Opponent: opponent, Queue: queue}:
	default:
	}
	return true
}

// AwaitMatch suspends the caller until this Search is matched or
// cancelled. It is safe to call at most once per Search (the result
// channel is buffered for exactly one send).
func (s *Search) AwaitMatch() (MatchedResult, error) {
	result := <-s.done
	if s.cancelled.Load() && !s.matched.Load() {
		return MatchedResult{}, ErrSearchCancelled
	}
	return result, nil
}
