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

// Package server implements the ladder matchmaking core: search lifecycle,
// team-balanced match selection, map pooling and match launch. The relational
// store, the rating model, the player transport and the game factory are
// external collaborators and are only referenced here through interfaces.
package server

import "github.com/gofrs/uuid/v5"

// PlayerState mirrors the player's matchmaking lifecycle state. It is owned
// by LadderService; queues and searches never write it directly.
type PlayerState int32

const (
	PlayerIdle PlayerState = iota
	PlayerSearching
	PlayerStarting
	PlayerPlaying
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerSearching:
		return "searching"
	case PlayerStarting:
		return "starting"
	case PlayerPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Rating is a (mean, deviation) pair produced by the external rating model.
// This core consumes rating values; it never recomputes them.
type Rating struct {
	Mean      float64
	Deviation float64
}

// Displayed is the conservative rating figure used for map-pool band lookup
// and for any player-facing rating text: mean minus three deviations, the
// same convention the original ladder service uses for "rating peak".
func (r Rating) Displayed() float64 {
	return r.Mean - 3*r.Deviation
}

// RatingType distinguishes independent rating tracks (e.g. "global", "ladder_1v1").
type RatingType string

// Player is the external identity this core matches against. The connection
// handle and message-write capability are owned by the transport layer;
// Player only carries what the matching and launch algorithms need to read.
type Player struct {
	ID       uuid.UUID
	Login    string
	Faction  int32
	Messages PlayerMessenger

	ratings map[RatingType]Rating
}

// NewPlayer constructs a Player with an empty rating map; ratings are set
// via SetRating as the external rating model reports them.
func NewPlayer(id uuid.UUID, login string, faction int32, messenger PlayerMessenger) *Player {
	return &Player{
		ID:       id,
		Login:    login,
		Faction:  faction,
		Messages: messenger,
		ratings:  make(map[RatingType]Rating),
	}
}

// SetRating records the rating snapshot for a rating type, as reported by
// the external rating model. It does not recompute mean/deviation.
func (p *Player) SetRating(rt RatingType, r Rating) {
	p.ratings[rt] = r
}

// Rating returns the player's rating snapshot for rt, or a default Rating
// (mean 1500, deviation 500) if the player has never been rated on that track.
func (p *Player) Rating(rt RatingType) Rating {
	if r, ok := p.ratings[rt]; ok {
		return r
	}
	return Rating{Mean: 1500, Deviation: 500}
}

// Connected reports whether the player currently has a live connection to
// send messages over. A nil Messages or a disconnected adapter both count
// as not connected.
func (p *Player) Connected() bool {
	return p.Messages != nil && p.Messages.Connected()
}
