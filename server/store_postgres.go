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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

// PostgresStore implements Store against CockroachDB/Postgres through the
// pgx stdlib driver, the same database/sql-over-pgx idiom the teacher uses
// throughout server/core_*.go.
type PostgresStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewPostgresStore opens (but does not yet ping) a pooled connection to
// dsn using the registered "pgx" driver.
func NewPostgresStore(logger *zap.Logger, dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpenConns)
	return &PostgresStore{logger: logger, db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const queueListQuery = `
SELECT q.id, q.technical_name, q.team_size, q.params, gm.gamemod, lb.rating_type
FROM matchmaker_queue q
JOIN game_featuredMods gm ON gm.id = q.featured_mod_id
JOIN leaderboard lb ON lb.id = q.leaderboard_id
WHERE q.enabled = true`

const queueMapPoolBandsQuery = `
SELECT map_pool_id, min_rating, max_rating
FROM matchmaker_queue_map_pool
WHERE matchmaker_queue_id = $1
ORDER BY id ASC`

// LoadQueues implements Store. A row that fails to scan or whose map-pool
// bands fail to load is logged and skipped; every other queue still loads
// (spec.md §6).
func (s *PostgresStore) LoadQueues(ctx context.Context) ([]StoreQueueDef, error) {
	rows, err := s.db.QueryContext(ctx, queueListQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []StoreQueueDef
	for rows.Next() {
		var (
			id            int64
			technicalName string
			teamSize      int
			paramsJSON    sql.NullString
			featuredMod   string
			ratingType    string
		)
		if err := rows.Scan(&id, &technicalName, &teamSize, &paramsJSON, &featuredMod, &ratingType); err != nil {
			s.logger.Warn("discarding matchmaker queue row: scan failed", zap.Error(err))
			continue
		}

		var params map[string]any
		if paramsJSON.Valid && paramsJSON.String != "" {
			if err := json.Unmarshal([]byte(paramsJSON.String), &params); err != nil {
				s.logger.Warn("discarding matchmaker queue row: bad params JSON", zap.Int64("queue_id", id), zap.Error(err))
				continue
			}
		}

		bands, err := s.loadQueueMapPoolBands(ctx, id)
		if err != nil {
			s.logger.Warn("discarding matchmaker queue row: map pool bands failed", zap.Int64("queue_id", id), zap.Error(err))
			continue
		}

		defs = append(defs, StoreQueueDef{
			ID:             id,
			TechnicalName:  technicalName,
			FeaturedMod:    featuredMod,
			RatingTypeName: ratingType,
			TeamSize:       teamSize,
			Params:         params,
			MapPoolBands:   bands,
		})
	}
	return defs, rows.Err()
}

func (s *PostgresStore) loadQueueMapPoolBands(ctx context.Context, queueID int64) ([]StoreMapPoolBand, error) {
	rows, err := s.db.QueryContext(ctx, queueMapPoolBandsQuery, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bands []StoreMapPoolBand
	for rows.Next() {
		var b StoreMapPoolBand
		if err := rows.Scan(&b.MapPoolID, &b.MinRating, &b.MaxRating); err != nil {
			return nil, err
		}
		bands = append(bands, b)
	}
	return bands, rows.Err()
}

const mapPoolQuery = `
SELECT mp.id, mp.name, mpmv.weight, mpmv.map_params, mv.map_id, m.filename, m.display_name
FROM map_pool mp
LEFT JOIN map_pool_map_version mpmv ON mpmv.map_pool_id = mp.id
LEFT JOIN map_version mv ON mv.id = mpmv.map_version_id
LEFT JOIN map m ON m.id = mv.map_id
WHERE mp.id = $1`

// LoadMapPool implements Store.
func (s *PostgresStore) LoadMapPool(ctx context.Context, id int64) (StoreMapPool, error) {
	rows, err := s.db.QueryContext(ctx, mapPoolQuery, id)
	if err != nil {
		return StoreMapPool{}, err
	}
	defer rows.Close()

	pool := StoreMapPool{ID: id}
	for rows.Next() {
		var (
			weight      sql.NullInt64
			mapParams   sql.NullString
			mapID       sql.NullInt64
			filename    sql.NullString
			displayName sql.NullString
		)
		if err := rows.Scan(&pool.ID, &pool.Name, &weight, &mapParams, &mapID, &filename, &displayName); err != nil {
			return StoreMapPool{}, err
		}
		if !mapID.Valid && !mapParams.Valid {
			// A naked empty-pool row: this LEFT JOIN produced no map_pool_map_version match.
			continue
		}

		entry := StoreMapEntry{
			Weight:      1,
			Filename:    filename.String,
			DisplayName: displayName.String,
		}
		if weight.Valid && weight.Int64 >= 1 {
			entry.Weight = int(weight.Int64)
		}
		if mapID.Valid {
			id := mapID.Int64
			entry.MapID = &id
		}
		if mapParams.Valid && mapParams.String != "" {
			var params map[string]any
			if err := json.Unmarshal([]byte(mapParams.String), &params); err != nil {
				return StoreMapPool{}, err
			}
			entry.GeneratorParams = params
		}
		pool.Entries = append(pool.Entries, entry)
	}
	return pool, rows.Err()
}

const ratingJournalQuery = `
SELECT lb.rating_type, j.mean_before, j.deviation_before
FROM leaderboard_rating_journal j
JOIN leaderboard lb ON lb.id = j.leaderboard_id
WHERE lb.rating_type = $1
ORDER BY j.id DESC
LIMIT $2`

// RecentRatingJournal implements Store.
func (s *PostgresStore) RecentRatingJournal(ctx context.Context, ratingTypeName string, limit int) ([]RatingJournalRow, error) {
	rows, err := s.db.QueryContext(ctx, ratingJournalQuery, ratingTypeName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RatingJournalRow
	for rows.Next() {
		var r RatingJournalRow
		if err := rows.Scan(&r.RatingType, &r.MeanBefore, &r.DeviationBefore); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const recentMapIDsQuery = `
SELECT gs.map_id
FROM game_stats gs
JOIN game_player_stats gps ON gps.game_id = gs.id
JOIN matchmaker_queue_game mqg ON mqg.game_id = gs.id
JOIN matchmaker_queue q ON q.id = mqg.matchmaker_queue_id
WHERE gps.player_id = $1 AND q.technical_name = $2 AND gs.start_time > $3
ORDER BY gs.start_time DESC
LIMIT $4`

// RecentMapIDs implements Store.
func (s *PostgresStore) RecentMapIDs(ctx context.Context, playerID uuid.UUID, queueName string, since time.Duration, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, recentMapIDsQuery, playerID, queueName, time.Now().Add(-since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
