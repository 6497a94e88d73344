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

import "time"

// PlayerMessenger is the player-connection transport this core writes to.
// It is an external collaborator (spec §6): the matchmaking core only sees
// this interface. wsMessenger (transport_ws.go) is the websocket
// implementation; it does not retry failed writes or reconnect.
type PlayerMessenger interface {
	// Connected reports whether the underlying connection is currently live.
	Connected() bool
	// Send writes one opaque, JSON-shaped message to the player. Send must
	// not block the caller on network I/O for long; the matchmaking core
	// calls it from within pop critical sections for search_info/match_found.
	Send(msg any) error
}

// SearchInfo notifies a player that their search for queueName started or
// stopped.
type SearchInfo struct {
	Type      string `json:"type"` // "search_info"
	QueueName string `json:"queue_name"`
	State     string `json:"state"` // "start" | "stop"
}

// SearchTimeoutEntry is one timed-out player in a SearchTimeout message.
type SearchTimeoutEntry struct {
	PlayerID  string    `json:"player"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SearchTimeout lists every player in a start_search request whose
// violation has not expired yet.
type SearchTimeout struct {
	Type      string               `json:"type"` // "search_timeout"
	Timeouts  []SearchTimeoutEntry `json:"timeouts"`
}

// Notice is a human-readable message, either general info or score-related.
type Notice struct {
	Type  string `json:"type"` // "notice"
	Style string `json:"style"` // "info" | "scores"
	Text  string `json:"text"`
}

// MatchFound tells a player their Search in queueName has been matched.
type MatchFound struct {
	Type      string `json:"type"` // "match_found"
	QueueName string `json:"queue_name"`
}

// MatchCancelled tells both teams that a launch attempt failed. GameID is
// empty when the launch failed before a Game object was ever created.
type MatchCancelled struct {
	Type   string `json:"type"` // "match_cancelled"
	GameID string `json:"game_id,omitempty"`
}

// LaunchGame is the slot assignment and launch instruction sent to one
// player at the end of the launch protocol.
type LaunchGame struct {
	Type            string         `json:"type"` // "launch_game"
	IsHost          bool           `json:"is_host"`
	MapName         string         `json:"mapname"`
	ExpectedPlayers int            `json:"expected_players"`
	GameOptions     map[string]any `json:"game_options"`
	Team            int            `json:"team"`
	Faction         int32          `json:"faction"`
	MapPosition     int            `json:"map_position"`
}
