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
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func newTestPlayer(t *testing.T, login string) *Player {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return NewPlayer(id, login, 1, &fakeMessenger{connected: true})
}

func TestSearch_CancelIsIdempotentAndWakesAwaitMatch(t *testing.T) {
	p := newTestPlayer(t, "alice")
	s := NewSearch([]*Player{p}, "global", "ladder1v1", nil)

	s.Cancel()
	s.Cancel() // must not panic or double-send on the done channel

	result, err := s.AwaitMatch()
	require.ErrorIs(t, err, ErrSearchCancelled)
	require.Nil(t, result.Opponent)
}

func TestSearch_CannotCancelAfterMatched(t *testing.T) {
	p := newTestPlayer(t, "bob")
	opponent := newTestPlayer(t, "carol")
	s := NewSearch([]*Player{p}, "global", "ladder1v1", nil)
	o := NewSearch([]*Player{opponent}, "global", "ladder1v1", nil)

	require.True(t, s.markMatched(o, nil))
	require.True(t, s.Matched())

	s.Cancel()
	require.False(t, s.Cancelled())

	result, err := s.AwaitMatch()
	require.NoError(t, err)
	require.Equal(t, o, result.Opponent)
}

func TestSearch_MarkMatchedSecondCallIsNoop(t *testing.T) {
	p := newTestPlayer(t, "dave")
	s := NewSearch([]*Player{p}, "global", "ladder1v1", nil)
	o := NewSearch([]*Player{newTestPlayer(t, "erin")}, "global", "ladder1v1", nil)

	require.True(t, s.markMatched(o, nil))
	require.False(t, s.markMatched(o, nil), "second call must be a no-op")
}

func TestSearch_RatingMeanAveragesParticipants(t *testing.T) {
	p1 := newTestPlayer(t, "f1")
	p1.SetRating("global", Rating{Mean: 1400, Deviation: 50})
	p2 := newTestPlayer(t, "f2")
	p2.SetRating("global", Rating{Mean: 1600, Deviation: 50})

	s := NewSearch([]*Player{p1, p2}, "global", "tmm2v2", nil)
	require.Equal(t, 1500.0, s.RatingMean())
}
