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
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// fakeMessenger is a PlayerMessenger test double that records every
// message sent to it instead of writing to a real connection.
type fakeMessenger struct {
	mu        sync.Mutex
	connected bool
	sent      []any
}

func (m *fakeMessenger) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *fakeMessenger) Send(msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMessenger) messages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.sent...)
}

// fakeStore is a Store test double backed by in-memory fixtures instead of
// a real Postgres connection.
type fakeStore struct {
	queues      []StoreQueueDef
	mapPools    map[int64]StoreMapPool
	journalRows map[string][]RatingJournalRow
	recentMaps  map[uuid.UUID][]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mapPools:    make(map[int64]StoreMapPool),
		journalRows: make(map[string][]RatingJournalRow),
		recentMaps:  make(map[uuid.UUID][]int64),
	}
}

func (s *fakeStore) LoadQueues(ctx context.Context) ([]StoreQueueDef, error) {
	return s.queues, nil
}

func (s *fakeStore) LoadMapPool(ctx context.Context, id int64) (StoreMapPool, error) {
	return s.mapPools[id], nil
}

func (s *fakeStore) RecentRatingJournal(ctx context.Context, ratingTypeName string, limit int) ([]RatingJournalRow, error) {
	rows := s.journalRows[ratingTypeName]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *fakeStore) RecentMapIDs(ctx context.Context, playerID uuid.UUID, queueName string, since time.Duration, limit int) ([]int64, error) {
	ids := s.recentMaps[playerID]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// fakeMetrics is a Metrics test double recording every call instead of
// talking to a real Prometheus reporter.
type fakeMetrics struct {
	mu            sync.Mutex
	matchOutcomes []string
	peaks         map[RatingType]float64
	suspects      map[RatingType]bool
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		peaks:    make(map[RatingType]float64),
		suspects: make(map[RatingType]bool),
	}
}

func (m *fakeMetrics) IncMatch(queueName, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchOutcomes = append(m.matchOutcomes, queueName+"|"+outcome)
}

func (m *fakeMetrics) SetRatingPeak(ratingType RatingType, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peaks[ratingType] = value
}

func (m *fakeMetrics) SetRatingPeakSuspect(ratingType RatingType, suspect bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspects[ratingType] = suspect
}

// fakeGameService is a GameService test double whose NewGame behavior and
// Game readiness signals are controlled per test.
type fakeGameService struct {
	mu          sync.Mutex
	newGameErr  error
	hostedErr   error
	launchedErr error
	calls       []NewGameParams
}

func (s *fakeGameService) NewGame(ctx context.Context, params NewGameParams) (Game, error) {
	s.mu.Lock()
	s.calls = append(s.calls, params)
	s.mu.Unlock()
	if s.newGameErr != nil {
		return nil, s.newGameErr
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &fakeGame{id: id, hostedErr: s.hostedErr, launchedErr: s.launchedErr}, nil
}

func (s *fakeGameService) calledTimes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeGame struct {
	id          uuid.UUID
	hostedErr   error
	launchedErr error
	finished    bool
}

func (g *fakeGame) ID() uuid.UUID { return g.id }
func (g *fakeGame) WaitHosted(ctx context.Context) error   { return g.hostedErr }
func (g *fakeGame) WaitLaunched(ctx context.Context) error { return g.launchedErr }
func (g *fakeGame) OnFinish()                              { g.finished = true }
