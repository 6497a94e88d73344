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
	"sort"
	"time"
)

// exactCandidateLimit bounds the candidate-set size the branch-and-bound
// search will run exhaustively on; larger sets fall back to the greedy
// heuristic bound by timeBudget.
const exactCandidateLimit = 16

// TeamMatchMaker picks a pairwise non-colliding subset of candidate
// Matches across every queue that popped this iteration: the maximum one
// for up to exactCandidateLimit candidates, a greedy one above that.
type TeamMatchMaker struct {
	timeBudget time.Duration
}

// NewTeamMatchMaker constructs a TeamMatchMaker. timeBudget bounds the
// greedy fallback used once candidates exceeds exactCandidateLimit.
func NewTeamMatchMaker(timeBudget time.Duration) *TeamMatchMaker {
	if timeBudget <= 0 {
		timeBudget = 50 * time.Millisecond
	}
	return &TeamMatchMaker{timeBudget: timeBudget}
}

// PickNoncolliding selects a subset of candidates that is pairwise disjoint
// on player membership (two Matches collide iff they share a Search), and
// maximises, in decreasing priority: (a) the number of matches picked,
// (b) the sum of quality scores, (c) preference for the earliest candidate
// in input order on ties (spec.md §4.4). That maximum is guaranteed only
// up to exactCandidateLimit candidates; above it, pickGreedy takes
// candidates in descending quality, which need not maximise the count.
func (t *TeamMatchMaker) PickNoncolliding(candidates []Match) []Match {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) <= exactCandidateLimit {
		return t.pickExact(candidates)
	}
	return t.pickGreedy(candidates)
}

// pickExact runs a branch-and-bound search over the collision graph. At
// each candidate, either skip it or take it (and skip everything it
// collides with), keeping the best of the two branches.
func (t *TeamMatchMaker) pickExact(candidates []Match) []Match {
	n := len(candidates)
	collides := make([][]bool, n)
	for i := range collides {
		collides[i] = make([]bool, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if candidates[i].collidesWith(candidates[j]) {
				collides[i][j] = true
				collides[j][i] = true
			}
		}
	}

	var best []int
	bestScore := score(nil, candidates)

	var excluded = make([]bool, n)
	var chosen []int

	var recurse func(idx int)
	recurse = func(idx int) {
		if idx == n {
			if score(chosen, candidates).better(bestScore) {
				bestScore = score(chosen, candidates)
				best = append([]int(nil), chosen...)
			}
			return
		}
		if excluded[idx] {
			recurse(idx + 1)
			return
		}

		// Branch 1: take this candidate, excluding everything it collides
		// with. Explored first so that, among equal-scoring solutions, the
		// one built from the earliest-indexed candidates is recorded first
		// and therefore wins ties (spec.md §4.4 tie-break rule).
		var freshlyExcluded []int
		for j := idx + 1; j < n; j++ {
			if collides[idx][j] && !excluded[j] {
				excluded[j] = true
				freshlyExcluded = append(freshlyExcluded, j)
			}
		}
		chosen = append(chosen, idx)
		recurse(idx + 1)
		chosen = chosen[:len(chosen)-1]
		for _, j := range freshlyExcluded {
			excluded[j] = false
		}

		// Branch 2: skip this candidate.
		recurse(idx + 1)
	}
	recurse(0)

	out := make([]Match, 0, len(best))
	for _, i := range best {
		out = append(out, candidates[i])
	}
	return out
}

// pickGreedy is the time-bounded fallback for large candidate sets: sort by
// quality descending (stable, so input order breaks ties), then take each
// candidate that doesn't collide with one already picked.
func (t *TeamMatchMaker) pickGreedy(candidates []Match) []Match {
	deadline := time.Now().Add(t.timeBudget)

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	// Stable sort by descending quality; input order is the tie-break.
	sort.SliceStable(order, func(i, j int) bool {
		return candidates[order[i]].Quality > candidates[order[j]].Quality
	})

	var picked []Match
	for _, i := range order {
		if time.Now().After(deadline) {
			break
		}
		c := candidates[i]
		collision := false
		for _, p := range picked {
			if c.collidesWith(p) {
				collision = true
				break
			}
		}
		if !collision {
			picked = append(picked, c)
		}
	}
	return picked
}

// pickScore is the comparable objective: count first, quality sum second.
type pickScore struct {
	count   int
	quality float64
}

func (a pickScore) better(b pickScore) bool {
	if a.count != b.count {
		return a.count > b.count
	}
	return a.quality > b.quality
}

func score(indices []int, candidates []Match) pickScore {
	s := pickScore{count: len(indices)}
	for _, i := range indices {
		s.quality += candidates[i].Quality
	}
	return s
}
