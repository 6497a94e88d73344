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

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// ErrGameClosed is returned by Game.WaitHosted or Game.WaitLaunched when the
// game instance at a player's end signalled game.closed during setup,
// distinct from a plain timeout waiting for readiness (spec.md §7
// game-closed). Implementations should wrap it with errors.Join or return it
// directly; any other error from these methods is treated as a timeout or
// connection failure.
var ErrGameClosed = errors.New("game closed during setup")

// GameInitMode matches the external GameService's lobby bootstrap modes.
type GameInitMode string

const AutoLobby GameInitMode = "auto-lobby"

// NewGameParams is everything MatchLauncher hands to the external game
// factory to create a Game (spec.md §4.8).
type NewGameParams struct {
	GameMode    string
	Host        *Player
	RatingType  RatingType
	MaxPlayers  int
	InitMode    GameInitMode
	MapFilePath string
	Name        string
	Options     map[string]any
}

// Game is produced, not owned, by MatchLauncher: once created it is handed
// to the external GameService, which owns it thereafter (spec.md §3).
type Game interface {
	ID() uuid.UUID
	// WaitHosted blocks until the host has signalled game.hosted, ctx is
	// done, or the host's game instance signalled game.closed (reported as
	// ErrGameClosed).
	WaitHosted(ctx context.Context) error
	// WaitLaunched blocks until game.launched has been signalled by every
	// guest, ctx is done, or a guest's game instance signalled game.closed
	// (reported as ErrGameClosed).
	WaitLaunched(ctx context.Context) error
	// OnFinish is invoked by MatchLauncher on any launch failure once a
	// Game object exists, so the external GameService can release it.
	OnFinish()
}

// GameService is the external game-object factory (spec.md §6). It is
// never asked to persist anything by this core.
type GameService interface {
	NewGame(ctx context.Context, params NewGameParams) (Game, error)
}

// nullGame is a Game that reports itself hosted and launched immediately;
// it stands in for a real lobby server connection.
type nullGame struct {
	id uuid.UUID
}

func (g *nullGame) ID() uuid.UUID                      { return g.id }
func (g *nullGame) WaitHosted(ctx context.Context) error   { return nil }
func (g *nullGame) WaitLaunched(ctx context.Context) error { return nil }
func (g *nullGame) OnFinish()                              {}

// NullGameService is a GameService that always succeeds without talking to
// a real lobby server; it exists so cmd/ladderd can run end-to-end without
// a configured external game factory. Tests exercise MatchLauncher against
// their own fakeGameService instead.
type NullGameService struct {
	logger *zap.Logger
}

// NewNullGameService constructs a NullGameService.
func NewNullGameService(logger *zap.Logger) *NullGameService {
	return &NullGameService{logger: logger}
}

func (s *NullGameService) NewGame(ctx context.Context, params NewGameParams) (Game, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	s.logger.Debug("created null game", zap.String("name", params.Name), zap.String("map", params.MapFilePath))
	return &nullGame{id: id}, nil
}
