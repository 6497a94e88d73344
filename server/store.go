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
	"time"

	"github.com/gofrs/uuid/v5"
)

// StoreQueueDef is one enabled row from matchmaker_queue joined with
// matchmaker_queue_map_pool, game_featuredMods and leaderboard (spec.md §6).
type StoreQueueDef struct {
	ID            int64
	TechnicalName string
	FeaturedMod   string
	RatingTypeName string
	TeamSize      int
	Params        map[string]any
	MapPoolBands  []StoreMapPoolBand
}

// StoreMapPoolBand is one (map-pool, min_rating, max_rating) association
// row for a queue.
type StoreMapPoolBand struct {
	MapPoolID int64
	MinRating float64
	MaxRating float64
}

// StoreMapEntry is one row of map_pool outer-joined with
// map_pool_map_version, map_version, map. Both MapID and GeneratorParams
// nil means a naked empty pool row (spec.md §6).
type StoreMapEntry struct {
	Weight          int
	GeneratorParams map[string]any
	MapID           *int64
	Filename        string
	DisplayName     string
}

// StoreMapPool is one map_pool row plus its entries.
type StoreMapPool struct {
	ID      int64
	Name    string
	Entries []StoreMapEntry
}

// RatingJournalRow is one leaderboard_rating_journal row used for
// rating-peak estimation (spec.md §4.7, §6).
type RatingJournalRow struct {
	RatingType  string
	MeanBefore  float64
	DeviationBefore float64
}

// Store is the read-only relational store this core consults. It is an
// external collaborator (spec.md §6); queue/map-pool/rating definitions
// and per-queue game history are the only things read here. Any exception
// while loading a single queue row discards only that queue without
// affecting others — callers of LoadQueues must honour that per spec.
type Store interface {
	// LoadQueues returns every enabled queue definition. A single queue
	// row failing to load is logged and skipped, not returned as an
	// error (spec.md §6).
	LoadQueues(ctx context.Context) ([]StoreQueueDef, error)
	// LoadMapPool returns one pool and its entries by ID.
	LoadMapPool(ctx context.Context, id int64) (StoreMapPool, error)
	// RecentRatingJournal returns up to limit most-recent
	// leaderboard_rating_journal rows for ratingTypeName, newest first.
	RecentRatingJournal(ctx context.Context, ratingTypeName string, limit int) ([]RatingJournalRow, error)
	// RecentMapIDs returns the map ids a player has played in queueName
	// within the lookback window, for anti-repetition.
	RecentMapIDs(ctx context.Context, playerID uuid.UUID, queueName string, since time.Duration, limit int) ([]int64, error)
}
