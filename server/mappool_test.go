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

	"github.com/stretchr/testify/require"
)

func TestMapPool_ChooseMapOnEmptyPoolReturnsErrEmptyPool(t *testing.T) {
	p := NewMapPool(1, "empty", nil)
	_, err := p.ChooseMap(nil)
	require.ErrorIs(t, err, ErrEmptyPool)
}

func TestMapPool_ChooseMapNeverPicksAboveMinimumPenalty(t *testing.T) {
	p := NewMapPool(1, "three-map", []MapEntry{
		{ID: 1, DisplayName: "a", Weight: 1},
		{ID: 2, DisplayName: "b", Weight: 1},
		{ID: 3, DisplayName: "c", Weight: 1},
	})

	// Map 1 was played twice recently, map 2 once, map 3 never: only map 3
	// sits at the minimum (zero) penalty and must always be chosen.
	recent := []int64{1, 1, 2}
	for i := 0; i < 50; i++ {
		choice, err := p.ChooseMap(recent)
		require.NoError(t, err)
		require.Equal(t, int64(3), choice.ID)
	}
}

func TestMapPool_ChooseMapTiesAtFloorAreWeightedAmongThemselves(t *testing.T) {
	p := NewMapPool(1, "tied", []MapEntry{
		{ID: 1, DisplayName: "a", Weight: 1},
		{ID: 2, DisplayName: "b", Weight: 1},
	})

	seen := make(map[int64]bool)
	for i := 0; i < 200; i++ {
		choice, err := p.ChooseMap(nil)
		require.NoError(t, err)
		seen[choice.ID] = true
	}
	require.Len(t, seen, 2, "both equally-unplayed entries should be reachable")
}

func TestMapEntry_GeneratedResolvesThroughGenerator(t *testing.T) {
	gen := generatorFunc(func(params map[string]any) (string, error) {
		return "generated_map_01.bin", nil
	})
	e := MapEntry{ID: 9, Generated: gen, GeneratorArg: map[string]any{"seed": 42}}

	require.True(t, e.IsGenerated())
	name, err := e.ResolveFilename()
	require.NoError(t, err)
	require.Equal(t, "generated_map_01.bin", name)
}

type generatorFunc func(params map[string]any) (string, error)

func (f generatorFunc) Resolve(params map[string]any) (string, error) { return f(params) }
