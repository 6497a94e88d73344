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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLadder(t *testing.T) *LadderService {
	t.Helper()
	launcher := NewMatchLauncher(zap.NewNop(), newFakeStore(), &fakeGameService{}, NewViolationService(5*time.Minute), newFakeMetrics(), 3)
	popTimer := NewPopTimer(time.Minute, time.Second, time.Minute, func() int { return 0 })
	l := NewLadderService(zap.NewNop(), newFakeStore(), launcher, NewViolationService(5*time.Minute), NewTeamMatchMaker(50*time.Millisecond), newFakeMetrics(), popTimer, 3)
	return l
}

func TestLadderService_StartSearchAgainstUnknownQueueIsNoop(t *testing.T) {
	l := newTestLadder(t)
	p := newTestPlayer(t, "solo")

	l.StartSearch([]*Player{p}, "nonexistent", l.OnMatched())

	require.Empty(t, l.QueueDepths())
}

func TestLadderService_SingleMatchNotifiesBothPlayersAndClearsQueue(t *testing.T) {
	l := newTestLadder(t)
	q := newTestQueue(t, 1)
	pool := NewMapPool(1, "default", []MapEntry{{ID: 1, DisplayName: "m1", Filename: "m1.bin", Weight: 1}})
	q.AddMapPool(pool, 0, 10000)
	l.queues["ladder1v1"] = q

	p1 := newTestPlayer(t, "p1")
	p2 := newTestPlayer(t, "p2")
	m1 := p1.Messages.(*fakeMessenger)
	m2 := p2.Messages.(*fakeMessenger)

	l.StartSearch([]*Player{p1}, "ladder1v1", l.OnMatched())
	l.StartSearch([]*Player{p2}, "ladder1v1", l.OnMatched())

	require.Equal(t, 2, q.Depth())

	l.popIteration()

	require.Equal(t, 0, q.Depth())

	foundMatch := func(msgs []any) bool {
		for _, m := range msgs {
			if mf, ok := m.(MatchFound); ok && mf.QueueName == "ladder1v1" {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		return foundMatch(m1.messages()) && foundMatch(m2.messages())
	}, time.Second, 10*time.Millisecond)
}

func TestLadderService_StartSearchWithActiveViolationSendsTimeoutAndDoesNotEnqueue(t *testing.T) {
	l := newTestLadder(t)
	q := newTestQueue(t, 1)
	l.queues["ladder1v1"] = q

	p := newTestPlayer(t, "offender")
	msgr := p.Messages.(*fakeMessenger)
	l.violations.RegisterViolations([]*Player{p})

	l.StartSearch([]*Player{p}, "ladder1v1", l.OnMatched())

	require.Equal(t, 0, q.Depth())

	msgs := msgr.messages()
	require.Len(t, msgs, 3)
	_, isTimeout := msgs[0].(SearchTimeout)
	require.True(t, isTimeout)
}

func TestLadderService_MatchCancelsOtherQueueSearchWithoutNamingTheMatchedQueue(t *testing.T) {
	l := newTestLadder(t)
	q1v1 := newTestQueue(t, 1)
	pool := NewMapPool(1, "default", []MapEntry{{ID: 1, DisplayName: "m1", Filename: "m1.bin", Weight: 1}})
	q1v1.AddMapPool(pool, 0, 10000)
	q2v2 := NewMatchmakerQueue(zap.NewNop(), 2, "tmm2v2", "basegame", "global", 2, nil)
	l.queues["ladder1v1"] = q1v1
	l.queues["tmm2v2"] = q2v2

	p1 := newTestPlayer(t, "p1")
	p2 := newTestPlayer(t, "p2")
	m1 := p1.Messages.(*fakeMessenger)

	l.StartSearch([]*Player{p1}, "tmm2v2", l.OnMatched())
	l.StartSearch([]*Player{p1}, "ladder1v1", l.OnMatched())
	l.StartSearch([]*Player{p2}, "ladder1v1", l.OnMatched())

	require.Equal(t, 1, q2v2.Depth(), "the other-queue search is still live until a match occurs")

	l.popIteration()

	require.Equal(t, 0, q2v2.Depth(), "matching on ladder1v1 must cancel p1's still-pending tmm2v2 search")

	require.Eventually(t, func() bool {
		sawMatchFound, sawOtherQueueCancel := false, false
		for _, m := range m1.messages() {
			switch msg := m.(type) {
			case MatchFound:
				require.Equal(t, "ladder1v1", msg.QueueName)
				sawMatchFound = true
			case SearchInfo:
				if msg.QueueName == "tmm2v2" && msg.State == "stop" {
					sawOtherQueueCancel = true
				}
				if msg.State == "stop" {
					require.NotEqual(t, "ladder1v1", msg.QueueName, "cancellation must never name the queue that just matched")
				}
			}
		}
		return sawMatchFound && sawOtherQueueCancel
	}, time.Second, 10*time.Millisecond)
}

func TestLadderService_TeamMatchLaunchesExactlyOnceWithFullRosters(t *testing.T) {
	store := newFakeStore()
	games := &fakeGameService{}
	launcher := NewMatchLauncher(zap.NewNop(), store, games, NewViolationService(5*time.Minute), newFakeMetrics(), 3)
	popTimer := NewPopTimer(time.Minute, time.Second, time.Minute, func() int { return 0 })
	l := NewLadderService(zap.NewNop(), store, launcher, NewViolationService(5*time.Minute), NewTeamMatchMaker(50*time.Millisecond), newFakeMetrics(), popTimer, 3)

	q := NewMatchmakerQueue(zap.NewNop(), 1, "tmm2v2", "basegame", "global", 2, nil)
	pool := NewMapPool(1, "default", []MapEntry{{ID: 1, DisplayName: "m1", Filename: "m1.bin", Weight: 1}})
	q.AddMapPool(pool, 0, 10000)
	l.queues["tmm2v2"] = q

	players := make([]*Player, 4)
	msgrs := make([]*fakeMessenger, 4)
	for i := range players {
		players[i] = newTestPlayer(t, fmt.Sprintf("p%d", i))
		msgrs[i] = players[i].Messages.(*fakeMessenger)
		l.StartSearch(players[i:i+1], "tmm2v2", l.OnMatched())
	}

	require.Equal(t, 4, q.Depth())

	l.popIteration()

	require.Equal(t, 0, q.Depth(), "a picked 2v2 match must remove all four Searches from the queue")

	require.Eventually(t, func() bool {
		return games.calledTimes() == 1
	}, time.Second, 10*time.Millisecond, "one 2v2 match must launch exactly one game, not one per Search pair")

	require.Equal(t, 4, games.calls[0].MaxPlayers, "the launched game must carry the full four-player roster")
	for _, m := range msgrs {
		count := 0
		for _, msg := range m.messages() {
			if mf, ok := msg.(MatchFound); ok && mf.QueueName == "tmm2v2" {
				count++
			}
		}
		require.Equal(t, 1, count, "each player must receive exactly one match_found notification, not one per teammate pairing")
	}
}

func TestLadderService_RefreshFromStoreCreatesUpdatesAndDeletesQueues(t *testing.T) {
	store := newFakeStore()
	store.queues = []StoreQueueDef{
		{ID: 1, TechnicalName: "ladder1v1", FeaturedMod: "basegame", RatingTypeName: "global", TeamSize: 1},
	}
	store.journalRows["global"] = []RatingJournalRow{{RatingType: "global", MeanBefore: 1500, DeviationBefore: 100}}

	launcher := NewMatchLauncher(zap.NewNop(), store, &fakeGameService{}, NewViolationService(5*time.Minute), newFakeMetrics(), 3)
	popTimer := NewPopTimer(time.Minute, time.Second, time.Minute, func() int { return 0 })
	metrics := newFakeMetrics()
	l := NewLadderService(zap.NewNop(), store, launcher, NewViolationService(5*time.Minute), NewTeamMatchMaker(50*time.Millisecond), metrics, popTimer, 3)

	require.NoError(t, l.RefreshFromStore(context.Background()))
	require.Contains(t, l.QueueDepths(), "ladder1v1")
	require.Equal(t, 1200.0, metrics.peaks["global"])

	// an existing queue is updated in place on the next refresh.
	before := l.queues["ladder1v1"]
	store.queues[0].TeamSize = 2
	require.NoError(t, l.RefreshFromStore(context.Background()))
	require.Same(t, before, l.queues["ladder1v1"])
	require.Equal(t, 2, l.queues["ladder1v1"].TeamSize)

	// queue removed from the store must be torn down on the next refresh.
	store.queues = nil
	require.NoError(t, l.RefreshFromStore(context.Background()))
	require.NotContains(t, l.QueueDepths(), "ladder1v1")
}
