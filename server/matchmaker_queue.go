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
	"context"
	"math"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	baseRatingTolerance     = 100.0
	maxRatingTolerance      = 1000.0
	toleranceGrowthInterval = 30.0 // seconds of Search age per tolerance step

	// maxTeamCombosExplored bounds the subset-sum search used to assemble
	// teams out of Searches of mixed party size, so a crowded queue can't
	// make one pop iteration pathologically slow.
	maxTeamCombosExplored = 2000
)

// mapPoolBand associates a MapPool with the displayed-rating band it
// applies to.
type mapPoolBand struct {
	pool      *MapPool
	minRating float64
	maxRating float64
}

// MatchmakerQueue holds the active Searches for one queue and produces
// candidate Matches on pop (spec.md §4.5).
type MatchmakerQueue struct {
	logger *zap.Logger

	ID            int64
	TechnicalName string
	FeaturedMod   string
	RatingType    RatingType
	TeamSize      int
	Params        map[string]any
	RatingPeak    float64

	mu        sync.Mutex
	searches  []*Search
	pools     []mapPoolBand
	wakeEmpty chan struct{}

	index *queueIndex
}

// NewMatchmakerQueue constructs an empty queue. teamSize must be >= 1.
func NewMatchmakerQueue(logger *zap.Logger, id int64, technicalName, featuredMod string, ratingType RatingType, teamSize int, params map[string]any) *MatchmakerQueue {
	idx, err := newQueueIndex(logger)
	if err != nil {
		// An in-memory bluge writer failing to open means we're out of
		// memory or disk for its temp segment files; find_matches will
		// simply see an empty index until the next successful rebuild.
		logger.Error("failed to open matchmaker queue index", zap.Error(err), zap.String("queue", technicalName))
	}
	return &MatchmakerQueue{
		logger:        logger,
		ID:            id,
		TechnicalName: technicalName,
		FeaturedMod:   featuredMod,
		RatingType:    ratingType,
		TeamSize:      teamSize,
		Params:        params,
		wakeEmpty:     make(chan struct{}, 1),
		index:         idx,
	}
}

// Enqueue adds a Search. If the queue was empty it also posts a signal on
// wakeEmpty (spec.md §4.5); no pop loop reads that channel, so the signal
// does not wake or shorten a pop.
func (q *MatchmakerQueue) Enqueue(s *Search) {
	q.mu.Lock()
	wasEmpty := len(q.searches) == 0
	q.searches = append(q.searches, s)
	q.mu.Unlock()

	if wasEmpty {
		select {
		case q.wakeEmpty <- struct{}{}:
		default:
		}
	}
}

// Remove drops a Search from the active set, e.g. on cancellation. It is a
// no-op if the Search is not present.
func (q *MatchmakerQueue) Remove(s *Search) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.searches {
		if existing == s {
			q.searches = append(q.searches[:i], q.searches[i+1:]...)
			return
		}
	}
}

// Depth is the current count of active Searches (not players).
func (q *MatchmakerQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.searches)
}

// PlayerDepth is the total player count across every active Search.
func (q *MatchmakerQueue) PlayerDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.searches {
		n += s.PlayerCount()
	}
	return n
}

// snapshot returns the currently-active, non-cancelled Searches. Called
// once at the start of a pop so every queue sees a consistent view;
// Searches enqueued mid-iteration don't participate until the next pop
// (spec.md §5).
func (q *MatchmakerQueue) snapshot() []*Search {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := q.searches[:0:0]
	for _, s := range q.searches {
		if !s.Cancelled() && !s.Matched() {
			live = append(live, s)
		}
	}
	return live
}

// FindMatches runs the team-balancing algorithm for team_size >= 2 queues:
// it assembles disjoint teams of exactly TeamSize players from the current
// Searches, pairing two teams to minimise |rating_A - rating_B| within a
// tolerance band that widens with the age of the oldest participating
// Search (spec.md §4.5).
func (q *MatchmakerQueue) FindMatches(ctx context.Context) []Match {
	if q.TeamSize < 2 {
		return nil
	}
	searches := q.snapshot()
	if len(searches) == 0 {
		return nil
	}
	if q.index != nil {
		if err := q.index.rebuild(searches); err != nil {
			q.logger.Warn("failed to rebuild queue index", zap.Error(err), zap.String("queue", q.TechnicalName))
		}
	}

	teams := teamCandidates(searches, q.TeamSize, maxTeamCombosExplored)
	if len(teams) < 2 {
		return nil
	}

	used := make(map[*Search]bool)
	var matches []Match

	// Oldest-first: a Search that has waited longest gets first pick at an
	// opponent, and the widest acceptance band.
	sort.Slice(teams, func(i, j int) bool {
		return oldestAge(teams[i]) > oldestAge(teams[j])
	})

	for i, teamA := range teams {
		if anyUsed(teamA, used) {
			continue
		}
		age := oldestAge(teamA)
		ratingA := teamRatingMean(teamA)
		minR, maxR := ratingToleranceBand(ratingA, age, baseRatingTolerance, maxRatingTolerance, toleranceGrowthInterval)

		bestIdx := -1
		bestDiff := math.Inf(1)
		for j := i + 1; j < len(teams); j++ {
			teamB := teams[j]
			if anyUsed(teamB, used) || sharesSearch(teamA, teamB) {
				continue
			}
			ratingB := teamRatingMean(teamB)
			if ratingB < minR || ratingB > maxR {
				continue
			}
			diff := math.Abs(ratingA - ratingB)
			if diff < bestDiff {
				bestDiff = diff
				bestIdx = j
			}
		}
		if bestIdx == -1 {
			continue
		}

		teamB := teams[bestIdx]
		quality := 1.0 - math.Min(1.0, bestDiff/math.Max(maxRatingTolerance, 1))
		matches = append(matches, Match{
			Queue:   q,
			TeamA:   Team{Searches: teamA},
			TeamB:   Team{Searches: teamB},
			Quality: quality,
		})
		markUsed(teamA, used)
		markUsed(teamB, used)
	}

	return matches
}

// FindMatches1v1 pairs up current 1v1 Searches greedily: oldest Search
// first, each taking the closest-rated unpaired Search inside its band
// (the same rating-band widening rule). The resulting pairing is not
// globally optimal. Matches are returned separately so LadderService can
// merge them after the team-matchmaker has chosen its set (spec.md §4.5,
// §4.7).
func (q *MatchmakerQueue) FindMatches1v1(ctx context.Context) []Match {
	if q.TeamSize != 1 {
		return nil
	}
	searches := q.snapshot()
	if len(searches) < 2 {
		return nil
	}
	if q.index != nil {
		if err := q.index.rebuild(searches); err != nil {
			q.logger.Warn("failed to rebuild queue index", zap.Error(err), zap.String("queue", q.TechnicalName))
		}
	}

	sort.Slice(searches, func(i, j int) bool {
		return searches[i].CreatedAt.Before(searches[j].CreatedAt)
	})
	byID := make(map[string]*Search, len(searches))
	for _, s := range searches {
		byID[s.ID.String()] = s
	}

	used := make(map[*Search]bool)
	var matches []Match

	for _, s := range searches {
		if used[s] {
			continue
		}
		minR, maxR := ratingToleranceBand(s.RatingMean(), s.Age().Seconds(), baseRatingTolerance, maxRatingTolerance, toleranceGrowthInterval)

		var candidateIDs []string
		if q.index != nil {
			ids, err := q.index.candidatesWithinBand(ctx, minR, maxR, s.ID.String(), len(searches))
			if err != nil {
				q.logger.Warn("queue index query failed, falling back to linear scan", zap.Error(err), zap.String("queue", q.TechnicalName))
			} else {
				candidateIDs = ids
			}
		}
		if candidateIDs == nil {
			for _, cand := range searches {
				if cand != s {
					candidateIDs = append(candidateIDs, cand.ID.String())
				}
			}
		}

		var best *Search
		bestDiff := math.Inf(1)
		for _, id := range candidateIDs {
			cand, ok := byID[id]
			if !ok || used[cand] {
				continue
			}
			rating := cand.RatingMean()
			if rating < minR || rating > maxR {
				continue
			}
			diff := math.Abs(s.RatingMean() - rating)
			if diff < bestDiff {
				bestDiff = diff
				best = cand
			}
		}
		if best == nil {
			continue
		}
		quality := 1.0 - math.Min(1.0, bestDiff/math.Max(maxRatingTolerance, 1))
		matches = append(matches, Match{
			Queue:   q,
			TeamA:   Team{Searches: []*Search{s}},
			TeamB:   Team{Searches: []*Search{best}},
			Quality: quality,
		})
		used[s] = true
		used[best] = true
	}

	return matches
}

// FoundMatches settles every Search of every picked Match and invokes each
// Match's on-matched callback exactly once, carrying the full TeamA/TeamB
// rosters. This runs inside the pop iteration's critical section and must
// stay fast: no blocking I/O, no awaits (spec.md §4.5, §5).
func (q *MatchmakerQueue) FoundMatches(picked []Match) {
	for _, m := range picked {
		opponentOfA := firstSearch(m.TeamB.Searches)
		opponentOfB := firstSearch(m.TeamA.Searches)
		for _, a := range m.TeamA.Searches {
			a.markMatched(opponentOfA, q)
		}
		for _, b := range m.TeamB.Searches {
			b.markMatched(opponentOfB, q)
		}
		for _, s := range m.TeamA.Searches {
			q.Remove(s)
		}
		for _, s := range m.TeamB.Searches {
			q.Remove(s)
		}
		notifyMatch(m)
	}
}

// firstSearch returns searches[0], or nil if searches is empty.
func firstSearch(searches []*Search) *Search {
	if len(searches) == 0 {
		return nil
	}
	return searches[0]
}

// notifyMatch invokes the first non-nil onMatched callback found among m's
// participating Searches. Every Search enrolled through LadderService
// carries the same callback, so this fires the notification once per Match
// no matter how many Searches make up either team.
func notifyMatch(m Match) {
	for _, s := range m.searches() {
		if s.onMatched != nil {
			s.onMatched(m)
			return
		}
	}
}

// AddMapPool registers pool for the [minRating, maxRating] band, in
// registration order: GetMapPoolForRating returns the first match.
func (q *MatchmakerQueue) AddMapPool(pool *MapPool, minRating, maxRating float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pools = append(q.pools, mapPoolBand{pool: pool, minRating: minRating, maxRating: maxRating})
}

// ClearMapPools removes every registered map pool band.
func (q *MatchmakerQueue) ClearMapPools() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pools = nil
}

// GetMapPoolForRating returns the first registered pool whose band
// contains rating, or nil.
func (q *MatchmakerQueue) GetMapPoolForRating(rating float64) *MapPool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, band := range q.pools {
		if rating >= band.minRating && rating <= band.maxRating {
			return band.pool
		}
	}
	return nil
}

// GetGameOptions returns the queue-scoped game-launch parameters drawn
// from Params, or nil if none are set.
func (q *MatchmakerQueue) GetGameOptions() map[string]any {
	if q.Params == nil {
		return nil
	}
	return q.Params
}

// cancelAll cancels every active Search, used when the queue is destroyed
// because the external store no longer lists it (spec.md §4.5).
func (q *MatchmakerQueue) cancelAll() []*Search {
	q.mu.Lock()
	searches := append([]*Search(nil), q.searches...)
	q.searches = nil
	q.mu.Unlock()

	for _, s := range searches {
		s.Cancel()
	}
	return searches
}

func (q *MatchmakerQueue) close() {
	if q.index != nil {
		q.index.close()
	}
}

// teamCandidates enumerates subsets of searches whose combined player
// count is exactly teamSize, up to maxCombos results. The returned subsets
// may share Searches with one another; FindMatches keeps its picks
// disjoint. Bounded
// backtracking: in practice matchmaking queues have few simultaneous
// party sizes (mostly 1s and the occasional premade), so this terminates
// quickly in the common case.
func teamCandidates(searches []*Search, teamSize int, maxCombos int) [][]*Search {
	var out [][]*Search
	var current []*Search

	var recurse func(start, remaining int)
	recurse = func(start, remaining int) {
		if len(out) >= maxCombos {
			return
		}
		if remaining == 0 {
			out = append(out, append([]*Search(nil), current...))
			return
		}
		for i := start; i < len(searches); i++ {
			count := searches[i].PlayerCount()
			if count > remaining {
				continue
			}
			current = append(current, searches[i])
			recurse(i+1, remaining-count)
			current = current[:len(current)-1]
			if len(out) >= maxCombos {
				return
			}
		}
	}
	recurse(0, teamSize)
	return out
}

func teamRatingMean(searches []*Search) float64 {
	total := 0.0
	n := 0
	for _, s := range searches {
		total += s.RatingMean() * float64(s.PlayerCount())
		n += s.PlayerCount()
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func oldestAge(searches []*Search) float64 {
	oldest := 0.0
	for _, s := range searches {
		if a := s.Age().Seconds(); a > oldest {
			oldest = a
		}
	}
	return oldest
}

func anyUsed(searches []*Search, used map[*Search]bool) bool {
	return lo.SomeBy(searches, func(s *Search) bool { return used[s] })
}

func sharesSearch(a, b []*Search) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func markUsed(searches []*Search, used map[*Search]bool) {
	for _, s := range searches {
		used[s] = true
	}
}
