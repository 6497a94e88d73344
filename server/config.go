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
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the ladder service's configuration surface, in the teacher's
// own nested-sub-config style (server/config.go): one top-level struct
// assembled from independently constructed, independently validated
// pieces.
type Config interface {
	GetName() string
	GetLadder() *LadderConfig
	GetDatabase() *DatabaseConfig
	GetLog() *LogConfig
	GetMetrics() *MetricsConfig
	GetTransport() *TransportConfig
}

type config struct {
	Name      string           `yaml:"name" json:"name" usage:"this node's name, used as a log/metrics tag"`
	Ladder    *LadderConfig    `yaml:"ladder" json:"ladder" usage:"ladder matchmaking core settings"`
	Database  *DatabaseConfig  `yaml:"database" json:"database" usage:"relational store connection settings"`
	Log       *LogConfig       `yaml:"log" json:"log" usage:"log level and output"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics" usage:"Prometheus metrics settings"`
	Transport *TransportConfig `yaml:"transport" json:"transport" usage:"inbound player websocket settings"`
}

func (c *config) GetName() string                 { return c.Name }
func (c *config) GetLadder() *LadderConfig         { return c.Ladder }
func (c *config) GetDatabase() *DatabaseConfig     { return c.Database }
func (c *config) GetLog() *LogConfig               { return c.Log }
func (c *config) GetMetrics() *MetricsConfig       { return c.Metrics }
func (c *config) GetTransport() *TransportConfig   { return c.Transport }

// LadderConfig holds the settings spec.md §6 names explicitly, plus the
// PopTimer bounds spec.md §4.6 leaves as an implementation choice.
type LadderConfig struct {
	AntiRepetitionLimit int           `yaml:"anti_repetition_limit" json:"anti_repetition_limit" usage:"LADDER_ANTI_REPETITION_LIMIT: per-player recent-map lookback window" validate:"gte=1"`
	RefreshInterval     time.Duration `yaml:"refresh_interval" json:"refresh_interval" usage:"not read: refresh_from_store always runs every 10 minutes" validate:"required"`
	BanDuration         time.Duration `yaml:"ban_duration" json:"ban_duration" usage:"violation ban duration" validate:"required"`
	PopBaseInterval     time.Duration `yaml:"pop_base_interval" json:"pop_base_interval" usage:"PopTimer base inter-pop interval at low load" validate:"required"`
	PopMinInterval      time.Duration `yaml:"pop_min_interval" json:"pop_min_interval" usage:"PopTimer minimum inter-pop interval" validate:"required"`
	PopMaxInterval      time.Duration `yaml:"pop_max_interval" json:"pop_max_interval" usage:"PopTimer maximum inter-pop interval" validate:"required"`
}

// NewLadderConfig returns the documented defaults.
func NewLadderConfig() *LadderConfig {
	return &LadderConfig{
		AntiRepetitionLimit: 3,
		RefreshInterval:     10 * time.Minute,
		BanDuration:         5 * time.Minute,
		PopBaseInterval:     10 * time.Second,
		PopMinInterval:      1 * time.Second,
		PopMaxInterval:      30 * time.Second,
	}
}

// DatabaseConfig is the relational store DSN and pool sizing.
type DatabaseConfig struct {
	Address      string `yaml:"address" json:"address" usage:"postgres/cockroachdb connection string" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns" usage:"maximum open connections to the store" validate:"gte=1"`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Address:      "postgres://root@localhost:26257/ladder?sslmode=disable",
		MaxOpenConns: 20,
	}
}

// LogConfig controls zap's level/format/rotation.
type LogConfig struct {
	Level      string `yaml:"level" json:"level" usage:"DEBUG, INFO, WARN, or ERROR"`
	Format     string `yaml:"format" json:"format" usage:"'json' or 'stackdriver'"`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"log to stdout instead of a rotated file"`
	OutputPath string `yaml:"output_path" json:"output_path" usage:"directory for the rotated log file"`
}

func NewLogConfig() *LogConfig {
	return &LogConfig{Level: "info", Format: "json", Stdout: true, OutputPath: "."}
}

// MetricsConfig controls the tally/Prometheus reporter.
type MetricsConfig struct {
	Prefix           string `yaml:"prefix" json:"prefix" usage:"metric name prefix"`
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"tally reporter flush interval" validate:"gte=1"`
	ExposeHTTPPort   int    `yaml:"expose_http_port" json:"expose_http_port" usage:"port to serve /metrics and /healthz on, 0 disables"`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{Prefix: "ladder", ReportingFreqSec: 5, ExposeHTTPPort: 9090}
}

// TransportConfig controls the inbound player-facing websocket listener
// that carries start_search/cancel_search requests (spec.md §6 player
// message surface, inbound half), kept separate from MetricsConfig's
// ops-only /metrics and /healthz listener (server/http.go).
type TransportConfig struct {
	ListenPort      int `yaml:"listen_port" json:"listen_port" usage:"port to accept player websocket connections on, 0 disables" validate:"gte=0"`
	ReadBufferSize  int `yaml:"read_buffer_size" json:"read_buffer_size" usage:"websocket upgrader read buffer size" validate:"gte=1"`
	WriteBufferSize int `yaml:"write_buffer_size" json:"write_buffer_size" usage:"websocket upgrader write buffer size" validate:"gte=1"`
}

// NewTransportConfig returns the documented defaults.
func NewTransportConfig() *TransportConfig {
	return &TransportConfig{ListenPort: 8080, ReadBufferSize: 4096, WriteBufferSize: 4096}
}

// NewConfig constructs a Config with documented defaults.
func NewConfig() *config {
	return &config{
		Name:      "ladder-1",
		Ladder:    NewLadderConfig(),
		Database:  NewDatabaseConfig(),
		Log:       NewLogConfig(),
		Metrics:   NewMetricsConfig(),
		Transport: NewTransportConfig(),
	}
}

// ParseArgs loads --config's YAML file (if given) then lets a handful of
// flags override it, the same two-phase load the teacher's ParseArgs
// performs against its larger config surface.
func ParseArgs(logger *zap.Logger, args []string) Config {
	cfg := NewConfig()

	flagSet := flag.NewFlagSet("ladderd", flag.ExitOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	dbAddress := flagSet.String("database.address", "", "override database.address")
	logLevel := flagSet.String("log.level", "", "override log.level")
	_ = flagSet.Parse(args)

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Error("could not read config file, using defaults", zap.Error(err))
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			logger.Error("could not parse config file, using defaults", zap.Error(err))
		}
	}
	if *dbAddress != "" {
		cfg.Database.Address = *dbAddress
	}
	if *logLevel != "" {
		cfg.Log.Level = strings.ToUpper(*logLevel)
	}

	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	return cfg
}

func validateConfig(cfg *config) error {
	v := validator.New()
	if err := v.Struct(cfg.Ladder); err != nil {
		return fmt.Errorf("ladder config: %w", err)
	}
	if err := v.Struct(cfg.Database); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := v.Struct(cfg.Metrics); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := v.Struct(cfg.Transport); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	return nil
}
