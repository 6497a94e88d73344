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
	"math"

	"github.com/blugelabs/bluge"
	"go.uber.org/zap"
)

// queueIndex is an in-memory, per-pop rebuilt bluge index over the active
// Searches of one MatchmakerQueue. It exists to answer the same kind of
// question the core matchmaker answers elsewhere in the stack (see
// matchmaker_process.go in the teacher): "which other waiting parties fall
// within my acceptance window right now" — here the window is a rating
// band instead of a min/max party-size range, but the numeric-range-query
// shape is identical.
type queueIndex struct {
	logger *zap.Logger
	writer *bluge.Writer
}

func newQueueIndex(logger *zap.Logger) (*queueIndex, error) {
	cfg := bluge.InMemoryOnlyConfig()
	writer, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, err
	}
	return &queueIndex{logger: logger, writer: writer}, nil
}

func (qi *queueIndex) close() {
	_ = qi.writer.Close()
}

// rebuild replaces the index contents with exactly the given Searches,
// keyed by Search.ID. Called once at the start of every find_matches /
// find_matches_1v1 pass so each pop sees a consistent snapshot (spec.md
// §5 ordering guarantee).
func (qi *queueIndex) rebuild(searches []*Search) error {
	batch := bluge.NewBatch()
	for _, s := range searches {
		doc := bluge.NewDocument(s.ID.String())
		doc.AddField(bluge.NewNumericField("rating_mean", s.RatingMean()).StoreValue())
		doc.AddField(bluge.NewNumericField("player_count", float64(s.PlayerCount())).StoreValue())
		doc.AddField(bluge.NewNumericField("age_seconds", s.Age().Seconds()).StoreValue().Sortable())
		batch.Update(doc.ID(), doc)
	}
	return qi.writer.Batch(batch)
}

// candidatesWithinBand returns the IDs of indexed Searches whose
// rating_mean falls in [minRating, maxRating], excluding excludeID and
// capped at limit results, ordered by bluge's relevance score with
// longest-waiting first on ties — the same "-_score, created_at"-shaped
// sort the teacher's matchmaker uses. The order does not reflect rating
// closeness; callers compare ratings themselves.
func (qi *queueIndex) candidatesWithinBand(ctx context.Context, minRating, maxRating float64, excludeID string, limit int) ([]string, error) {
	reader, err := qi.writer.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	q := bluge.NewBooleanQuery()
	q.AddMust(bluge.NewNumericRangeInclusiveQuery(minRating, maxRating, true, true).SetField("rating_mean"))
	if excludeID != "" {
		notID := bluge.NewTermQuery(excludeID)
		notID.SetField("_id")
		q.AddMustNot(notID)
	}

	req := bluge.NewTopNSearch(orDefault(limit, 64), q)
	req.SortBy([]string{"-_score", "-age_seconds"})

	result, err := reader.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	var ids []string
	next, err := result.Next()
	for err == nil && next != nil {
		var id string
		visitErr := next.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				id = string(value)
			}
			return true
		})
		if visitErr != nil {
			return nil, visitErr
		}
		if id != "" {
			ids = append(ids, id)
		}
		next, err = result.Next()
	}
	return ids, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ratingToleranceBand widens symmetrically around rating as age grows, per
// spec.md §4.5: "balance tolerance grows with the age of the oldest
// Search". baseTolerance is the band's half-width (rating ± tolerance) for
// a brand-new Search;
// tolerance grows linearly, capped at maxTolerance, adding one
// baseTolerance-sized step per growthInterval of waiting time.
func ratingToleranceBand(rating float64, age float64, baseTolerance, maxTolerance, growthIntervalSeconds float64) (min, max float64) {
	steps := math.Floor(age / growthIntervalSeconds)
	tolerance := baseTolerance + steps*baseTolerance
	if tolerance > maxTolerance {
		tolerance = maxTolerance
	}
	return rating - tolerance, rating + tolerance
}
