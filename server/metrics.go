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
	"io"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

// Metrics is the counters/gauges sink this core writes to (spec.md §6):
// `matches{queue, outcome}` and `leaderboard_rating_peak{rating_type}`.
type Metrics interface {
	IncMatch(queueName, outcome string)
	SetRatingPeak(ratingType RatingType, value float64)
	SetRatingPeakSuspect(ratingType RatingType, suspect bool)
}

// TallyMetrics implements Metrics via uber-go/tally fronted by a
// Prometheus reporter, the same combination server/metrics.go uses in the
// teacher.
type TallyMetrics struct {
	logger *zap.Logger
	scope  tally.Scope
	closer io.Closer

	mu         sync.Mutex
	matchCtrs  map[string]tally.Counter
	peakGauges map[RatingType]tally.Gauge
}

// NewTallyMetrics builds the root Prometheus-backed tally scope.
func NewTallyMetrics(logger *zap.Logger, namePrefix string, reportingFreq time.Duration) *TallyMetrics {
	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("error registering prometheus metric", zap.Error(err))
		},
	})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:          namePrefix,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, reportingFreq)

	return &TallyMetrics{
		logger:     logger,
		scope:      scope,
		closer:     closer,
		matchCtrs:  make(map[string]tally.Counter),
		peakGauges: make(map[RatingType]tally.Gauge),
	}
}

func (m *TallyMetrics) Close() error {
	return m.closer.Close()
}

// IncMatch increments matches{queue, outcome} by one.
func (m *TallyMetrics) IncMatch(queueName, outcome string) {
	key := queueName + "|" + outcome
	m.mu.Lock()
	ctr, ok := m.matchCtrs[key]
	if !ok {
		ctr = m.scope.Tagged(map[string]string{"queue": queueName, "outcome": outcome}).Counter("matches")
		m.matchCtrs[key] = ctr
	}
	m.mu.Unlock()
	ctr.Inc(1)
}

// SetRatingPeak sets the leaderboard_rating_peak{rating_type} gauge.
func (m *TallyMetrics) SetRatingPeak(ratingType RatingType, value float64) {
	m.gaugeFor(ratingType).Update(value)
}

// SetRatingPeakSuspect flips a companion gauge when refresh_from_store
// computed a rating peak outside the [600,1200] sanity band or from fewer
// than 100 rows (SPEC_FULL.md §12); 1 means suspect, 0 means healthy.
func (m *TallyMetrics) SetRatingPeakSuspect(ratingType RatingType, suspect bool) {
	v := 0.0
	if suspect {
		v = 1.0
	}
	m.scope.Tagged(map[string]string{"rating_type": string(ratingType)}).Gauge("leaderboard_rating_peak_suspect").Update(v)
}

func (m *TallyMetrics) gaugeFor(ratingType RatingType) tally.Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.peakGauges[ratingType]
	if !ok {
		g = m.scope.Tagged(map[string]string{"rating_type": string(ratingType)}).Gauge("leaderboard_rating_peak")
		m.peakGauges[ratingType] = g
	}
	return g
}
