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

import "fmt"

// gameName derives a deterministic lobby name from the two team rosters,
// so spectators and logs can identify a match later without a random
// string (recovered from original_source/, see SPEC_FULL.md §12).
func gameName(teamA, teamB Team) string {
	hostLogin := "unknown"
	if players := teamA.Players(); len(players) > 0 {
		hostLogin = players[0].Login
	}
	firstGuest := "unknown"
	if players := teamB.Players(); len(players) > 0 {
		firstGuest = players[0].Login
	}
	return fmt.Sprintf("%s vs %s", hostLogin, firstGuest)
}
