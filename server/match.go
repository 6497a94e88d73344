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

// Team is one side of a Match: a list of Searches whose combined player
// count equals the owning queue's team size.
type Team struct {
	Searches []*Search
}

// PlayerCount is the total player count across this team's Searches.
func (t Team) PlayerCount() int {
	n := 0
	for _, s := range t.Searches {
		n += s.PlayerCount()
	}
	return n
}

// RatingMean is the mean of the team's participants' rating means.
func (t Team) RatingMean() float64 {
	if len(t.Searches) == 0 {
		return 0
	}
	total := 0.0
	n := 0
	for _, s := range t.Searches {
		total += s.RatingMean() * float64(s.PlayerCount())
		n += s.PlayerCount()
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Players flattens this team's Searches into a single player list.
func (t Team) Players() []*Player {
	out := make([]*Player, 0, t.PlayerCount())
	for _, s := range t.Searches {
		out = append(out, s.Players...)
	}
	return out
}

// Match is an ordered pair of teams produced by a queue's find-matches
// routine, annotated with a quality score in [0,1] used to prioritise
// which non-colliding set TeamMatchMaker picks.
type Match struct {
	Queue   *MatchmakerQueue
	TeamA   Team
	TeamB   Team
	Quality float64
}

// searches returns every Search participating in this Match, across both
// teams — the basis for collision detection.
func (m Match) searches() []*Search {
	out := make([]*Search, 0, len(m.TeamA.Searches)+len(m.TeamB.Searches))
	out = append(out, m.TeamA.Searches...)
	out = append(out, m.TeamB.Searches...)
	return out
}

// collidesWith reports whether m and other share at least one Search.
func (m Match) collidesWith(other Match) bool {
	for _, s := range m.searches() {
		for _, o := range other.searches() {
			if s == o {
				return true
			}
		}
	}
	return false
}
