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
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, teamSize int) *MatchmakerQueue {
	t.Helper()
	return NewMatchmakerQueue(zap.NewNop(), 1, "ladder1v1", "basegame", "global", teamSize, nil)
}

func TestMatchmakerQueue_EnqueueRemoveDepth(t *testing.T) {
	q := newTestQueue(t, 1)
	s := searchOf(t, "x")

	require.Equal(t, 0, q.Depth())
	q.Enqueue(s)
	require.Equal(t, 1, q.Depth())

	q.Remove(s)
	require.Equal(t, 0, q.Depth())
}

func TestMatchmakerQueue_FindMatches1v1PairsSimilarRatings(t *testing.T) {
	q := newTestQueue(t, 1)

	close1 := newTestPlayer(t, "close1")
	close1.SetRating("global", Rating{Mean: 1500, Deviation: 50})
	close2 := newTestPlayer(t, "close2")
	close2.SetRating("global", Rating{Mean: 1520, Deviation: 50})
	far := newTestPlayer(t, "far")
	far.SetRating("global", Rating{Mean: 3000, Deviation: 50})

	sClose1 := NewSearch([]*Player{close1}, "global", "ladder1v1", nil)
	sClose2 := NewSearch([]*Player{close2}, "global", "ladder1v1", nil)
	sFar := NewSearch([]*Player{far}, "global", "ladder1v1", nil)

	q.Enqueue(sClose1)
	q.Enqueue(sClose2)
	q.Enqueue(sFar)

	matches := q.FindMatches1v1(context.Background())
	require.Len(t, matches, 1)
	paired := append(append([]*Search(nil), matches[0].TeamA.Searches...), matches[0].TeamB.Searches...)
	require.ElementsMatch(t, []*Search{sClose1, sClose2}, paired)
}

func TestMatchmakerQueue_FindMatchesRequiresTeamSizeAtLeastTwo(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Enqueue(searchOf(t, "solo"))
	require.Nil(t, q.FindMatches(context.Background()))
}

func TestMatchmakerQueue_FoundMatchesRemovesBothSidesAndMarksMatched(t *testing.T) {
	q := newTestQueue(t, 1)
	a := searchOf(t, "a")
	b := searchOf(t, "b")
	q.Enqueue(a)
	q.Enqueue(b)

	q.FoundMatches([]Match{{Queue: q, TeamA: Team{Searches: []*Search{a}}, TeamB: Team{Searches: []*Search{b}}, Quality: 1}})

	require.True(t, a.Matched())
	require.True(t, b.Matched())
	require.Equal(t, 0, q.Depth())
}

func TestMatchmakerQueue_CancelAllCancelsEveryActiveSearch(t *testing.T) {
	q := newTestQueue(t, 1)
	a := searchOf(t, "a")
	b := searchOf(t, "b")
	q.Enqueue(a)
	q.Enqueue(b)

	cancelled := q.cancelAll()
	require.ElementsMatch(t, []*Search{a, b}, cancelled)
	require.True(t, a.Cancelled())
	require.True(t, b.Cancelled())
	require.Equal(t, 0, q.Depth())
}

func TestMatchmakerQueue_FoundMatchesNotifiesOnceForMultiSearchTeams(t *testing.T) {
	q := newTestQueue(t, 2)
	a1, a2 := searchOf(t, "a1"), searchOf(t, "a2")
	b1, b2 := searchOf(t, "b1"), searchOf(t, "b2")
	q.Enqueue(a1)
	q.Enqueue(a2)
	q.Enqueue(b1)
	q.Enqueue(b2)

	var calls []Match
	notify := func(m Match) { calls = append(calls, m) }
	for _, s := range []*Search{a1, a2, b1, b2} {
		s.onMatched = notify
	}

	q.FoundMatches([]Match{{
		Queue:   q,
		TeamA:   Team{Searches: []*Search{a1, a2}},
		TeamB:   Team{Searches: []*Search{b1, b2}},
		Quality: 1,
	}})

	require.Len(t, calls, 1, "a match with more than one Search per side must still notify exactly once")
	require.ElementsMatch(t, []*Search{a1, a2}, calls[0].TeamA.Searches)
	require.ElementsMatch(t, []*Search{b1, b2}, calls[0].TeamB.Searches)

	for _, s := range []*Search{a1, a2, b1, b2} {
		require.True(t, s.Matched())
	}
	require.Equal(t, 0, q.Depth())
}

func TestMatchmakerQueue_MapPoolBandsResolveInRegistrationOrder(t *testing.T) {
	q := newTestQueue(t, 1)
	low := NewMapPool(1, "low", []MapEntry{{ID: 1, Weight: 1}})
	high := NewMapPool(2, "high", []MapEntry{{ID: 2, Weight: 1}})

	q.AddMapPool(low, 0, 1000)
	q.AddMapPool(high, 1000, 2000)

	require.Equal(t, low, q.GetMapPoolForRating(500))
	require.Equal(t, high, q.GetMapPoolForRating(1500))
	require.Nil(t, q.GetMapPoolForRating(5000))

	q.ClearMapPools()
	require.Nil(t, q.GetMapPoolForRating(500))
}
