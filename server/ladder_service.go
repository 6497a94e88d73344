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
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const (
	refreshInterval    = 10 * time.Minute
	ratingJournalLimit = 1000

	ratingPeakSanityMin = 600.0
	ratingPeakSanityMax = 1200.0
	ratingPeakMinRows   = 100

	calibrationDeviationFloor = 250.0
	uncalibratedDeviationFloor = 490.0
)

// playerKey identifies a player's per-queue Search entry.
type playerKey struct {
	player uuid.UUID
	queue  string
}

// LadderService is the matchmaking core's façade (spec.md §4.7): it owns
// every MatchmakerQueue, dispatches start/cancel requests, reacts to
// connection loss, keeps queue/map-pool definitions in sync with the
// external store, and drives the pop loop.
type LadderService struct {
	logger     *zap.Logger
	store      Store
	launcher   *MatchLauncher
	violations *ViolationService
	teamMaker  *TeamMatchMaker
	metrics    Metrics
	popTimer   *PopTimer

	antiRepeatN int

	mu            sync.Mutex
	queues        map[string]*MatchmakerQueue
	searches      map[playerKey]*Search
	playerQueues  map[uuid.UUID]map[string]bool
	playerStates  map[uuid.UUID]PlayerState
	calibrated    map[uuid.UUID]bool

	stopCh chan struct{}
}

// NewLadderService wires a LadderService. Call RefreshFromStore once
// before starting the pop loop so queues are populated.
func NewLadderService(logger *zap.Logger, store Store, launcher *MatchLauncher, violations *ViolationService, teamMaker *TeamMatchMaker, metrics Metrics, popTimer *PopTimer, antiRepetitionLimit int) *LadderService {
	return &LadderService{
		logger:       logger,
		store:        store,
		launcher:     launcher,
		violations:   violations,
		teamMaker:    teamMaker,
		metrics:      metrics,
		popTimer:     popTimer,
		antiRepeatN:  antiRepetitionLimit,
		queues:       make(map[string]*MatchmakerQueue),
		searches:     make(map[playerKey]*Search),
		playerQueues: make(map[uuid.UUID]map[string]bool),
		playerStates: make(map[uuid.UUID]PlayerState),
		calibrated:   make(map[uuid.UUID]bool),
		stopCh:       make(chan struct{}),
	}
}

// QueueDepths reports current Search-count per queue, for the ops health
// endpoint.
func (l *LadderService) QueueDepths() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.queues))
	for name, q := range l.queues {
		out[name] = q.Depth()
	}
	return out
}

func (l *LadderService) combinedPlayerDepth() int {
	l.mu.Lock()
	queues := make([]*MatchmakerQueue, 0, len(l.queues))
	for _, q := range l.queues {
		queues = append(queues, q)
	}
	l.mu.Unlock()

	total := 0
	for _, q := range queues {
		total += q.PlayerDepth()
	}
	return total
}

// DepthFunc returns the combined-depth function PopTimer paces on.
func (l *LadderService) DepthFunc() DepthFunc {
	return l.combinedPlayerDepth
}

func (l *LadderService) setState(p *Player, state PlayerState) {
	l.playerStates[p.ID] = state
}

// StartSearch enrols players in queueName (spec.md §4.7 start_search).
func (l *LadderService) StartSearch(players []*Player, queueName string, onMatched OnMatched) {
	l.mu.Lock()
	queue, ok := l.queues[queueName]
	l.mu.Unlock()
	if !ok {
		l.logger.Warn("start_search against unknown queue", zap.String("queue", queueName))
		return
	}

	violations := l.violations.GetViolations(players)
	if len(violations) > 0 {
		l.notifyTimeout(players, queueName, violations)
		return
	}

	for _, p := range players {
		l.cancelExisting(p, queueName)
	}

	search := NewSearch(players, queue.RatingType, queueName, onMatched)

	l.mu.Lock()
	for _, p := range players {
		l.searches[playerKey{player: p.ID, queue: queueName}] = search
		if l.playerQueues[p.ID] == nil {
			l.playerQueues[p.ID] = make(map[string]bool)
		}
		l.playerQueues[p.ID][queueName] = true
		l.setState(p, PlayerSearching)
	}
	l.mu.Unlock()

	for _, p := range players {
		if p.Connected() {
			_ = p.Messages.Send(SearchInfo{Type: "search_info", QueueName: queueName, State: "start"})
		}
		l.maybeSendRatingProgress(p, queue.RatingType)
	}

	queue.Enqueue(search)
}

// cancelExisting cancels and forgets p's Search in queueName, if any.
// Caller must not hold l.mu.
func (l *LadderService) cancelExisting(p *Player, queueName string) {
	l.mu.Lock()
	key := playerKey{player: p.ID, queue: queueName}
	existing, ok := l.searches[key]
	if ok {
		l.forgetSearchLocked(existing)
	}
	l.mu.Unlock()
	if ok {
		existing.Cancel()
		if queue, ok := l.lookupQueue(queueName); ok {
			queue.Remove(existing)
		}
	}
}

func (l *LadderService) lookupQueue(name string) (*MatchmakerQueue, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[name]
	return q, ok
}

// forgetSearchLocked removes search from every per-player map it appears
// in. l.mu must be held.
func (l *LadderService) forgetSearchLocked(search *Search) {
	for _, p := range search.Players {
		key := playerKey{player: p.ID, queue: search.QueueName}
		if l.searches[key] == search {
			delete(l.searches, key)
		}
		if qs, ok := l.playerQueues[p.ID]; ok {
			delete(qs, search.QueueName)
		}
	}
}

// CancelSearch cancels player's Search in queueName, or every Search of
// theirs if queueName is empty (spec.md §4.7 cancel_search).
func (l *LadderService) CancelSearch(player *Player, queueName string) {
	var toCancel []*Search

	l.mu.Lock()
	if queueName != "" {
		if s, ok := l.searches[playerKey{player: player.ID, queue: queueName}]; ok {
			toCancel = append(toCancel, s)
		}
	} else {
		for q := range l.playerQueues[player.ID] {
			if s, ok := l.searches[playerKey{player: player.ID, queue: q}]; ok {
				toCancel = append(toCancel, s)
			}
		}
	}
	for _, s := range toCancel {
		l.forgetSearchLocked(s)
	}
	l.mu.Unlock()

	for _, s := range toCancel {
		s.Cancel()
		if queue, ok := l.lookupQueue(s.QueueName); ok {
			queue.Remove(s)
		}
		for _, p := range s.Players {
			if p.Connected() {
				_ = p.Messages.Send(SearchInfo{Type: "search_info", QueueName: s.QueueName, State: "stop"})
			}
			l.maybeResetIdle(p)
		}
	}
}

func (l *LadderService) maybeResetIdle(p *Player) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.playerQueues[p.ID]) == 0 && l.playerStates[p.ID] == PlayerSearching {
		l.setState(p, PlayerIdle)
	}
}

func (l *LadderService) notifyTimeout(players []*Player, queueName string, violations map[uuid.UUID]Violation) {
	now := time.Now()
	entries := make([]SearchTimeoutEntry, 0, len(violations))
	var longest time.Duration
	var longestPlayer string
	for _, p := range players {
		v, ok := violations[p.ID]
		if !ok {
			continue
		}
		entries = append(entries, SearchTimeoutEntry{PlayerID: p.ID.String(), ExpiresAt: v.ExpiresAt})
		if remaining := v.ExpiresAt.Sub(now); remaining > longest {
			longest = remaining
			longestPlayer = p.Login
		}
	}

	minutes := int(longest.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	text := fmt.Sprintf("%s is timed out for %d more minute(s)", longestPlayer, minutes)

	for _, p := range players {
		if !p.Connected() {
			continue
		}
		_ = p.Messages.Send(SearchTimeout{Type: "search_timeout", Timeouts: entries})
		_ = p.Messages.Send(SearchInfo{Type: "search_info", QueueName: queueName, State: "stop"})
		_ = p.Messages.Send(Notice{Type: "notice", Style: "info", Text: text})
	}
}

// maybeSendRatingProgress sends the calibration notice at most once per
// player per process lifetime (spec.md §4.7, invariant 6).
func (l *LadderService) maybeSendRatingProgress(p *Player, ratingType RatingType) {
	l.mu.Lock()
	if l.calibrated[p.ID] {
		l.mu.Unlock()
		return
	}
	l.calibrated[p.ID] = true
	l.mu.Unlock()

	deviation := p.Rating(ratingType).Deviation
	if !p.Connected() {
		return
	}
	switch {
	case deviation > uncalibratedDeviationFloor:
		_ = p.Messages.Send(Notice{Type: "notice", Style: "info", Text: "welcome: your rating is not yet calibrated"})
	case deviation > calibrationDeviationFloor:
		pct := (500 - deviation) / 2.5
		_ = p.Messages.Send(Notice{Type: "notice", Style: "info", Text: fmt.Sprintf("calibration %.0f%% complete", pct)})
	}
}

// onMatchedHandler is the OnMatched callback installed on every Search
// created by StartSearch; it implements spec.md §4.7 on_match_found. It
// fires exactly once per Match, carrying the full TeamA/TeamB rosters
// regardless of how many Searches make up either side, and runs inside the
// owning queue's pop critical section: no blocking I/O.
func (l *LadderService) onMatchedHandler(match Match) {
	queue := match.Queue
	matched := match.searches()
	all := append(append([]*Player(nil), match.TeamA.Players()...), match.TeamB.Players()...)

	for _, p := range all {
		l.mu.Lock()
		l.setState(p, PlayerStarting)
		l.mu.Unlock()
		if p.Connected() {
			_ = p.Messages.Send(MatchFound{Type: "match_found", QueueName: queue.TechnicalName})
		}
	}

	// Cancel each player's other-queue Searches before removing the
	// winning Searches from the per-player maps, so a cancellation
	// notification a player receives can never name the queue that just
	// matched them (spec.md §9 design notes, ordering invariant).
	var others []*Search
	l.mu.Lock()
	for _, p := range all {
		for q := range l.playerQueues[p.ID] {
			if q == queue.TechnicalName {
				continue
			}
			if s, ok := l.searches[playerKey{player: p.ID, queue: q}]; ok {
				others = append(others, s)
			}
		}
	}
	l.mu.Unlock()

	seen := make(map[*Search]bool, len(others))
	for _, s := range others {
		if seen[s] {
			continue
		}
		seen[s] = true
		l.mu.Lock()
		l.forgetSearchLocked(s)
		l.mu.Unlock()
		s.Cancel()
		if otherQueue, ok := l.lookupQueue(s.QueueName); ok {
			otherQueue.Remove(s)
		}
		for _, p := range s.Players {
			if p.Connected() {
				_ = p.Messages.Send(SearchInfo{Type: "search_info", QueueName: s.QueueName, State: "stop"})
			}
		}
	}

	l.mu.Lock()
	for _, s := range matched {
		l.forgetSearchLocked(s)
	}
	l.mu.Unlock()

	go l.launchMatch(match.TeamA, match.TeamB, queue, all)
}

// launchMatch runs MatchLauncher.StartGame outside the pop critical
// section, as a spawned task (spec.md §5).
func (l *LadderService) launchMatch(teamA, teamB Team, queue *MatchmakerQueue, all []*Player) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := l.launcher.StartGame(ctx, teamA, teamB, queue); err != nil {
		l.logger.Warn("match launch failed", zap.Error(err), zap.String("queue", queue.TechnicalName))
	}

	for _, p := range all {
		l.mu.Lock()
		if l.playerStates[p.ID] == PlayerStarting {
			l.setState(p, PlayerIdle)
		}
		l.mu.Unlock()
	}
}

// OnConnectionLost cancels every Search belonging to player and forgets
// their calibration flag (spec.md §4.7 on_connection_lost).
func (l *LadderService) OnConnectionLost(player *Player) {
	l.CancelSearch(player, "")
	l.mu.Lock()
	delete(l.calibrated, player.ID)
	delete(l.playerStates, player.ID)
	l.mu.Unlock()
}

// RefreshFromStore reloads queue and map-pool definitions from the
// external store, updating existing queues in place, creating new ones,
// and deleting absent ones (spec.md §4.7 refresh_from_store).
func (l *LadderService) RefreshFromStore(ctx context.Context) error {
	defs, err := l.store.LoadQueues(ctx)
	if err != nil {
		l.logger.Error("refresh_from_store: could not load queue definitions, keeping previous snapshot", zap.Error(err))
		return err
	}

	seen := make(map[string]bool, len(defs))
	ratingTypes := make(map[RatingType]bool)

	for _, def := range defs {
		seen[def.TechnicalName] = true
		ratingType := RatingType(def.RatingTypeName)
		ratingTypes[ratingType] = true

		l.mu.Lock()
		queue, exists := l.queues[def.TechnicalName]
		l.mu.Unlock()

		if !exists {
			queue = NewMatchmakerQueue(l.logger, def.ID, def.TechnicalName, def.FeaturedMod, ratingType, def.TeamSize, def.Params)
			l.mu.Lock()
			l.queues[def.TechnicalName] = queue
			l.mu.Unlock()
		} else {
			queue.ID = def.ID
			queue.FeaturedMod = def.FeaturedMod
			queue.RatingType = ratingType
			queue.TeamSize = def.TeamSize
			queue.Params = def.Params
		}

		queue.ClearMapPools()
		for _, band := range def.MapPoolBands {
			pool, err := l.loadMapPool(ctx, band.MapPoolID)
			if err != nil {
				l.logger.Warn("refresh_from_store: could not load map pool, leaving band unset", zap.Error(err), zap.Int64("pool", band.MapPoolID))
				continue
			}
			queue.AddMapPool(pool, band.MinRating, band.MaxRating)
		}
	}

	l.mu.Lock()
	for name, queue := range l.queues {
		if !seen[name] {
			queue.cancelAll()
			queue.close()
			delete(l.queues, name)
		}
	}
	l.mu.Unlock()

	for ratingType := range ratingTypes {
		l.refreshRatingPeak(ctx, ratingType)
	}

	return nil
}

func (l *LadderService) loadMapPool(ctx context.Context, id int64) (*MapPool, error) {
	stored, err := l.store.LoadMapPool(ctx, id)
	if err != nil {
		return nil, err
	}
	entries := make([]MapEntry, 0, len(stored.Entries))
	for _, e := range stored.Entries {
		entries = append(entries, MapEntry{
			ID:          mapIDOrZero(e.MapID),
			DisplayName: e.DisplayName,
			Weight:      e.Weight,
			Filename:    e.Filename,
		})
	}
	return NewMapPool(stored.ID, stored.Name, entries), nil
}

func mapIDOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

// refreshRatingPeak recomputes and publishes the leaderboard_rating_peak
// gauge for ratingType (spec.md §4.7).
func (l *LadderService) refreshRatingPeak(ctx context.Context, ratingType RatingType) {
	rows, err := l.store.RecentRatingJournal(ctx, string(ratingType), ratingJournalLimit)
	if err != nil {
		l.logger.Warn("refresh_from_store: rating journal fetch failed", zap.Error(err), zap.String("rating_type", string(ratingType)))
		return
	}

	peak := 1000.0
	if len(rows) > 0 {
		total := 0.0
		for _, r := range rows {
			total += r.MeanBefore - 3*r.DeviationBefore
		}
		peak = total / float64(len(rows))
	}

	suspect := len(rows) < ratingPeakMinRows || peak < ratingPeakSanityMin || peak > ratingPeakSanityMax
	if suspect {
		l.logger.Warn("rating peak looks suspect",
			zap.String("rating_type", string(ratingType)),
			zap.Int("rows", len(rows)),
			zap.Float64("peak", peak))
	}

	l.metrics.SetRatingPeak(ratingType, peak)
	l.metrics.SetRatingPeakSuspect(ratingType, suspect)
}

// RunRefreshLoop calls RefreshFromStore immediately and then every
// refreshInterval, until ctx is done.
func (l *LadderService) RunRefreshLoop(ctx context.Context) {
	if err := l.RefreshFromStore(ctx); err != nil {
		l.logger.Error("initial refresh_from_store failed", zap.Error(err))
	}

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.RefreshFromStore(ctx); err != nil {
				l.logger.Error("periodic refresh_from_store failed", zap.Error(err))
			}
		}
	}
}

// RunPopLoop drives _queue_pop_iteration off l.popTimer until Stop is
// called (spec.md §4.7, §5). Each iteration's failure is isolated: an
// unexpected panic is logged and the loop pauses briefly before resuming,
// rather than crash-looping (spec.md §7).
func (l *LadderService) RunPopLoop() {
	l.popTimer.Start()
	for l.popTimer.NextPop() {
		l.popIterationSafely()
	}
}

func (l *LadderService) popIterationSafely() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("unexpected panic in pop iteration, resuming after a short pause", zap.Any("panic", r))
			time.Sleep(1 * time.Second)
		}
	}()
	l.popIteration()
}

// popIteration is spec.md's `_queue_pop_iteration`: gather team-matches,
// pick a non-colliding set, then fold in 1v1 matches that don't collide
// with anything already picked, and dispatch to each owning queue.
func (l *LadderService) popIteration() {
	l.mu.Lock()
	queues := make([]*MatchmakerQueue, 0, len(l.queues))
	for _, q := range l.queues {
		queues = append(queues, q)
	}
	l.mu.Unlock()

	ctx := context.Background()

	var teamCandidates []Match
	var oneVOneCandidates []Match
	for _, q := range queues {
		if q.TeamSize >= 2 {
			teamCandidates = append(teamCandidates, q.FindMatches(ctx)...)
		} else {
			oneVOneCandidates = append(oneVOneCandidates, q.FindMatches1v1(ctx)...)
		}
	}

	picked := l.teamMaker.PickNoncolliding(teamCandidates)

	for _, m := range oneVOneCandidates {
		collides := false
		for _, p := range picked {
			if m.collidesWith(p) {
				collides = true
				break
			}
		}
		if !collides {
			picked = append(picked, m)
		}
	}

	byQueue := make(map[*MatchmakerQueue][]Match, len(queues))
	for _, m := range picked {
		byQueue[m.Queue] = append(byQueue[m.Queue], m)
	}
	for q, matches := range byQueue {
		q.FoundMatches(matches)
	}
}

// Stop cancels the pop loop; RunPopLoop's NextPop returns false promptly.
func (l *LadderService) Stop() {
	l.popTimer.Stop()
	close(l.stopCh)
}

// OnMatched returns the callback to pass into StartSearch's Search; it is a
// method value so LadderService can be the sole per-Match OnMatched
// implementation, invoked once with the full matched Team/Team (spec.md
// §4.7 on_match_found).
func (l *LadderService) OnMatched() OnMatched {
	return l.onMatchedHandler
}
