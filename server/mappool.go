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
	"errors"
	"math/rand"

	"github.com/samber/lo"
)

// ErrEmptyPool is returned by MapPool.ChooseMap when the pool has no
// entries at all.
var ErrEmptyPool = errors.New("empty-pool")

// MapGenerator resolves a procedurally-generated map descriptor to a
// concrete playable path. It is opaque to this core (spec.md §4.3).
type MapGenerator interface {
	Resolve(params map[string]any) (filename string, err error)
}

// MapEntry is a tagged variant: either a concrete map or a
// procedurally-generated descriptor. A concrete entry sets Filename; a
// generated entry sets Generated.
type MapEntry struct {
	ID          int64
	DisplayName string
	Weight      int

	// Concrete map fields; Filename is empty for a generated entry, whose
	// name comes from ResolveFilename instead.
	Filename string

	// Generated, when non-nil, makes this entry a procedurally-generated
	// descriptor; GeneratorArg is passed verbatim to the generator contract.
	Generated    MapGenerator
	GeneratorArg map[string]any
}

// IsGenerated reports whether this entry must be resolved through a
// generator before it has a concrete filename.
func (e MapEntry) IsGenerated() bool {
	return e.Generated != nil
}

// ResolveFilename returns the concrete filename for this entry, invoking
// the generator contract if the entry is procedurally generated.
func (e MapEntry) ResolveFilename() (string, error) {
	if !e.IsGenerated() {
		return e.Filename, nil
	}
	return e.Generated.Resolve(e.GeneratorArg)
}

// MapPool is a weighted, anti-repetition map selector.
type MapPool struct {
	ID      int64
	Name    string
	Entries []MapEntry
}

// NewMapPool constructs a MapPool from its entries.
func NewMapPool(id int64, name string, entries []MapEntry) *MapPool {
	return &MapPool{ID: id, Name: name, Entries: entries}
}

// ChooseMap selects one entry out of the pool, biased away from maps the
// participants have played recently (spec.md §4.3):
//  1. Compute a penalty per entry: occurrences in recentlyPlayedMapIDs.
//  2. Restrict to entries at the minimum penalty.
//  3. Sample among those weighted by Weight.
func (p *MapPool) ChooseMap(recentlyPlayedMapIDs []int64) (MapEntry, error) {
	if len(p.Entries) == 0 {
		return MapEntry{}, ErrEmptyPool
	}

	played := make(map[int64]int, len(recentlyPlayedMapIDs))
	for _, id := range recentlyPlayedMapIDs {
		played[id]++
	}

	minPenalty := -1
	penalties := make([]int, len(p.Entries))
	for i, e := range p.Entries {
		penalty := played[e.ID]
		penalties[i] = penalty
		if minPenalty == -1 || penalty < minPenalty {
			minPenalty = penalty
		}
	}

	candidates := lo.Filter(lo.Zip2(p.Entries, penalties), func(pair lo.Tuple2[MapEntry, int], _ int) bool {
		return pair.B == minPenalty
	})

	totalWeight := 0
	for _, c := range candidates {
		w := c.A.Weight
		if w < 1 {
			w = 1
		}
		totalWeight += w
	}

	pick := rand.Intn(totalWeight)
	for _, c := range candidates {
		w := c.A.Weight
		if w < 1 {
			w = 1
		}
		if pick < w {
			return c.A, nil
		}
		pick -= w
	}

	// Unreachable unless totalWeight computation and the loop disagree.
	return candidates[len(candidates)-1].A, nil
}
