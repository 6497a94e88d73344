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
	"errors"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	hostReadyTimeout        = 60 * time.Second
	guestReadyBaseTimeout   = 60 * time.Second
	guestReadyPerGuestDelay = 10 * time.Second
)

// MatchLauncher drives map selection, slot assignment and the host/guest
// readiness handshake for one matched pair of teams (spec.md §4.8).
type MatchLauncher struct {
	logger      *zap.Logger
	store       Store
	games       GameService
	violations  *ViolationService
	metrics     Metrics
	antiRepeatN int
}

// NewMatchLauncher constructs a MatchLauncher. antiRepetitionLimit is
// LADDER_ANTI_REPETITION_LIMIT (spec.md §6).
func NewMatchLauncher(logger *zap.Logger, store Store, games GameService, violations *ViolationService, metrics Metrics, antiRepetitionLimit int) *MatchLauncher {
	return &MatchLauncher{
		logger:      logger,
		store:       store,
		games:       games,
		violations:  violations,
		metrics:     metrics,
		antiRepeatN: antiRepetitionLimit,
	}
}

// slot is one assigned player's launch parameters.
type slot struct {
	player  *Player
	isHost  bool
	team    int
	army    int
	color   int
	spot    int
	faction int32
}

// StartGame runs the full launch sequence for teamA vs teamB in queue:
// map selection, slot assignment, game creation, and the host/guest
// readiness protocol. On any failure it cleans up (spec.md §4.8, §7) and
// returns a *LaunchError.
func (l *MatchLauncher) StartGame(ctx context.Context, teamA, teamB Team, queue *MatchmakerQueue) error {
	host := teamA.Players()[0]
	all := append(append([]*Player(nil), teamA.Players()...), teamB.Players()...)

	mapEntry, gameOptions, err := l.selectMap(ctx, all, queue)
	if err != nil {
		kind := ErrKindEmptyPool
		if !errors.Is(err, ErrEmptyPool) {
			kind = ErrKindStoreUnavailable
		}
		return l.fail(ctx, NewLaunchError(kind), nil, queue, all)
	}

	slots := assignSlots(teamA, teamB, queue.RatingType)

	maxPlayers := teamA.PlayerCount() + teamB.PlayerCount()
	mergedOptions := make(map[string]any, len(gameOptions))
	for k, v := range gameOptions {
		mergedOptions[k] = v
	}
	if queueOpts := queue.GetGameOptions(); queueOpts != nil {
		for k, v := range queueOpts {
			mergedOptions[k] = v
		}
	}

	mapFilename, err := mapEntry.ResolveFilename()
	if err != nil {
		return l.fail(ctx, NewLaunchError(ErrKindEmptyPool), nil, queue, all)
	}

	game, err := l.games.NewGame(ctx, NewGameParams{
		GameMode:    queue.FeaturedMod,
		Host:        host,
		RatingType:  queue.RatingType,
		MaxPlayers:  maxPlayers,
		InitMode:    AutoLobby,
		MapFilePath: mapFilename,
		Name:        gameName(teamA, teamB),
		Options:     mergedOptions,
	})
	if err != nil {
		return l.fail(ctx, NewLaunchError(ErrKindUnexpected), nil, queue, all)
	}

	if launchErr := l.runLaunchProtocol(ctx, game, slots, mapEntry.DisplayName, maxPlayers, mergedOptions); launchErr != nil {
		return l.fail(ctx, launchErr, game, queue, all)
	}

	l.metrics.IncMatch(queue.TechnicalName, "SUCCESSFUL")
	return nil
}

func (l *MatchLauncher) selectMap(ctx context.Context, players []*Player, queue *MatchmakerQueue) (MapEntry, map[string]any, error) {
	var minRating float64
	for i, p := range players {
		d := p.Rating(queue.RatingType).Displayed()
		if i == 0 || d < minRating {
			minRating = d
		}
	}

	pool := queue.GetMapPoolForRating(minRating)
	if pool == nil {
		return MapEntry{}, nil, ErrEmptyPool
	}

	var recent []int64
	for _, p := range players {
		ids, err := l.store.RecentMapIDs(ctx, p.ID, queue.TechnicalName, 24*time.Hour, l.antiRepeatN)
		if err != nil {
			l.logger.Warn("recent map id lookup failed, aborting launch", zap.Error(err), zap.String("player", p.Login))
			return MapEntry{}, nil, err
		}
		recent = append(recent, ids...)
	}

	entry, err := pool.ChooseMap(recent)
	if err != nil {
		return MapEntry{}, nil, err
	}
	return entry, queue.GetGameOptions(), nil
}

// assignSlots sorts each team ascending by rating mean, zips opponent
// pairs, and randomly permutes the pair order while preserving which
// player opposes which. Slot index (1-based) determines StartSpot/Army/
// Color; Team is 2 for even slots, 3 for odd (spec.md §4.8).
func assignSlots(teamA, teamB Team, ratingType RatingType) []slot {
	host := teamA.Players()[0]

	a := append([]*Player(nil), teamA.Players()...)
	b := append([]*Player(nil), teamB.Players()...)
	sort.Slice(a, func(i, j int) bool { return a[i].Rating(ratingType).Mean < a[j].Rating(ratingType).Mean })
	sort.Slice(b, func(i, j int) bool { return b[i].Rating(ratingType).Mean < b[j].Rating(ratingType).Mean })

	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	order := rand.Perm(n)

	slots := make([]slot, 0, 2*n)
	spotIdx := 1
	for _, pairIdx := range order {
		for _, p := range [2]*Player{a[pairIdx], b[pairIdx]} {
			team := 2
			if spotIdx%2 != 0 {
				team = 3
			}
			slots = append(slots, slot{
				player:  p,
				isHost:  p == host,
				team:    team,
				army:    spotIdx,
				color:   spotIdx,
				spot:    spotIdx,
				faction: p.Faction,
			})
			spotIdx++
		}
	}
	return slots
}

// runLaunchProtocol sends launch_game to host then guests and awaits
// readiness, reproducing the legacy-client workaround literally: guest
// launches are still sent even after a host timeout, inside the cleanup
// path (spec.md §4.8, design notes).
func (l *MatchLauncher) runLaunchProtocol(ctx context.Context, game Game, slots []slot, mapName string, expectedPlayers int, options map[string]any) *LaunchError {
	var host *Player
	var guests []*Player
	for _, s := range slots {
		if s.isHost {
			host = s.player
		} else {
			guests = append(guests, s.player)
		}
	}

	if host == nil || !host.Connected() {
		return l.notConnectedWithLegacyGuestSend(ErrKindNotConnected, host, guests, slots, mapName, expectedPlayers, options)
	}

	l.sendLaunch(host, true, slots, mapName, expectedPlayers, options)

	hostCtx, cancel := context.WithTimeout(ctx, hostReadyTimeout)
	defer cancel()
	if err := game.WaitHosted(hostCtx); err != nil {
		kind := ErrKindNotConnected
		if errors.Is(err, ErrGameClosed) {
			kind = ErrKindGameClosed
		}
		return l.notConnectedWithLegacyGuestSend(kind, host, guests, slots, mapName, expectedPlayers, options)
	}

	var disconnectedGuests []*Player
	for _, g := range guests {
		if !g.Connected() {
			disconnectedGuests = append(disconnectedGuests, g)
		}
	}
	if len(disconnectedGuests) > 0 {
		return NewLaunchError(ErrKindNotConnected, disconnectedGuests...)
	}

	for _, g := range guests {
		l.sendLaunch(g, false, slots, mapName, expectedPlayers, options)
	}

	launchTimeout := guestReadyBaseTimeout + time.Duration(len(guests))*guestReadyPerGuestDelay
	launchCtx, cancel2 := context.WithTimeout(ctx, launchTimeout)
	defer cancel2()
	if err := game.WaitLaunched(launchCtx); err != nil {
		if errors.Is(err, ErrGameClosed) {
			return NewLaunchError(ErrKindGameClosed, guests...)
		}
		return NewLaunchError(ErrKindNotConnected, guests...)
	}

	return nil
}

// notConnectedWithLegacyGuestSend is the cleanup path taken when the host
// never connects, never hosts in time, or closes its game instance during
// setup. It still sends guests their launch_game message so legacy clients
// don't get stuck "searching" — a known wart, reproduced literally per
// design notes (spec.md §9).
func (l *MatchLauncher) notConnectedWithLegacyGuestSend(kind LaunchErrorKind, host *Player, guests []*Player, slots []slot, mapName string, expectedPlayers int, options map[string]any) *LaunchError {
	for _, g := range guests {
		l.sendLaunch(g, false, slots, mapName, expectedPlayers, options)
	}
	if host == nil {
		return NewLaunchError(kind)
	}
	return NewLaunchError(kind, host)
}

func (l *MatchLauncher) sendLaunch(p *Player, isHost bool, slots []slot, mapName string, expectedPlayers int, options map[string]any) {
	if !p.Connected() {
		return
	}
	for _, s := range slots {
		if s.player != p {
			continue
		}
		_ = p.Messages.Send(LaunchGame{
			Type:            "launch_game",
			IsHost:          isHost,
			MapName:         mapName,
			ExpectedPlayers: expectedPlayers,
			GameOptions:     options,
			Team:            s.team,
			Faction:         s.faction,
			MapPosition:     s.spot,
		})
		return
	}
}

// fail runs the shared failure cleanup: OnFinish the game if one exists,
// notify all participants, reset starting players to idle, and register
// violations for whoever the error names (spec.md §4.8, §7).
func (l *MatchLauncher) fail(ctx context.Context, launchErr *LaunchError, game Game, queue *MatchmakerQueue, all []*Player) error {
	var gameID string
	if game != nil {
		gameID = game.ID().String()
		game.OnFinish()
	}

	for _, p := range all {
		if p.Connected() {
			_ = p.Messages.Send(MatchCancelled{Type: "match_cancelled", GameID: gameID})
		}
	}

	if violators := launchErr.Violators(); len(violators) > 0 {
		l.violations.RegisterViolations(violators)
	}

	l.metrics.IncMatch(queue.TechnicalName, launchErr.MetricOutcome())
	l.logger.Warn("match launch failed",
		zap.String("queue", queue.TechnicalName),
		zap.String("kind", launchErr.Kind.String()))

	return launchErr
}
