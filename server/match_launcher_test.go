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
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func launcherFixture(t *testing.T) (*MatchLauncher, *MatchmakerQueue, *fakeMetrics) {
	t.Helper()
	q := newTestQueue(t, 1)
	pool := NewMapPool(1, "default", []MapEntry{{ID: 1, DisplayName: "map1", Filename: "map1.bin", Weight: 1}})
	q.AddMapPool(pool, 0, 10000)

	metrics := newFakeMetrics()
	l := NewMatchLauncher(zap.NewNop(), newFakeStore(), &fakeGameService{}, NewViolationService(5*time.Minute), metrics, 3)
	return l, q, metrics
}

func teamOf(players ...*Player) Team {
	return Team{Searches: []*Search{NewSearch(players, "global", "ladder1v1", nil)}}
}

func TestMatchLauncher_SuccessfulLaunchReportsSuccess(t *testing.T) {
	l, q, metrics := launcherFixture(t)

	host := newTestPlayer(t, "host")
	guest := newTestPlayer(t, "guest")
	hostMsgr := host.Messages.(*fakeMessenger)
	guestMsgr := guest.Messages.(*fakeMessenger)

	err := l.StartGame(context.Background(), teamOf(host), teamOf(guest), q)
	require.NoError(t, err)
	require.Equal(t, []string{"ladder1v1|SUCCESSFUL"}, metrics.matchOutcomes)

	require.Len(t, hostMsgr.messages(), 1)
	require.Len(t, guestMsgr.messages(), 1)
}

func TestMatchLauncher_DisconnectedHostSendsLegacyGuestLaunchAndRegistersViolation(t *testing.T) {
	l, q, metrics := launcherFixture(t)

	host := newTestPlayer(t, "host")
	host.Messages.(*fakeMessenger).connected = false
	guest := newTestPlayer(t, "guest")
	guestMsgr := guest.Messages.(*fakeMessenger)

	err := l.StartGame(context.Background(), teamOf(host), teamOf(guest), q)
	require.Error(t, err)

	launchErr, ok := err.(*LaunchError)
	require.True(t, ok)
	require.Equal(t, ErrKindNotConnected, launchErr.Kind)

	// the legacy-client workaround: guest still receives launch_game even
	// though the host never connected, followed by the match_cancelled every
	// participant gets on failure.
	require.Len(t, guestMsgr.messages(), 2)
	require.IsType(t, LaunchGame{}, guestMsgr.messages()[0])
	require.IsType(t, MatchCancelled{}, guestMsgr.messages()[1])

	violations := l.violations.GetViolations([]*Player{host})
	require.Len(t, violations, 1)
	require.Equal(t, []string{"ladder1v1|TIMED_OUT"}, metrics.matchOutcomes)
}

func TestMatchLauncher_HostGameClosedDuringSetupIsAbortedByPlayer(t *testing.T) {
	q := newTestQueue(t, 1)
	pool := NewMapPool(1, "default", []MapEntry{{ID: 1, DisplayName: "map1", Filename: "map1.bin", Weight: 1}})
	q.AddMapPool(pool, 0, 10000)

	metrics := newFakeMetrics()
	games := &fakeGameService{hostedErr: ErrGameClosed}
	l := NewMatchLauncher(zap.NewNop(), newFakeStore(), games, NewViolationService(5*time.Minute), metrics, 3)

	host := newTestPlayer(t, "host")
	guest := newTestPlayer(t, "guest")
	guestMsgr := guest.Messages.(*fakeMessenger)

	err := l.StartGame(context.Background(), teamOf(host), teamOf(guest), q)
	require.Error(t, err)

	launchErr, ok := err.(*LaunchError)
	require.True(t, ok)
	require.Equal(t, ErrKindGameClosed, launchErr.Kind)
	require.Equal(t, []*Player{host}, launchErr.Violators(), "only the player whose game instance closed is blamed")
	require.Equal(t, []string{"ladder1v1|ABORTED_BY_PLAYER"}, metrics.matchOutcomes)

	// the legacy-client workaround still applies on a game-closed abort:
	// launch_game, then match_cancelled.
	require.Len(t, guestMsgr.messages(), 2)
	require.IsType(t, LaunchGame{}, guestMsgr.messages()[0])
	require.IsType(t, MatchCancelled{}, guestMsgr.messages()[1])
}

func TestMatchLauncher_EmptyMapPoolFailsWithoutCreatingAGame(t *testing.T) {
	q := newTestQueue(t, 1) // no map pool registered
	metrics := newFakeMetrics()
	games := &fakeGameService{}
	l := NewMatchLauncher(zap.NewNop(), newFakeStore(), games, NewViolationService(5*time.Minute), metrics, 3)

	host := newTestPlayer(t, "host")
	guest := newTestPlayer(t, "guest")

	err := l.StartGame(context.Background(), teamOf(host), teamOf(guest), q)
	require.Error(t, err)
	launchErr, ok := err.(*LaunchError)
	require.True(t, ok)
	require.Equal(t, ErrKindEmptyPool, launchErr.Kind)
	require.Empty(t, launchErr.Violators(), "empty-pool failures are nobody's fault")
	require.Equal(t, 0, games.calledTimes(), "no game may be created when no map pool applies")
}
