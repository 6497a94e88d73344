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

// Package migrations applies the ladder schema. It mirrors the teacher's
// migrations/migrate.go structure (sql-migrate over an asset source,
// subcommands up/down/redo/status) but resolves its assets via the
// standard library's embed package rather than the teacher's packr
// bindata step (see DESIGN.md for the rationale).
package migrations

import (
	"database/sql"
	"embed"
	"flag"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var sqlFS embed.FS

const (
	migrationTable = "migration_info"
	dialect        = "postgres"
	defaultLimit   = -1
)

type statusRow struct {
	ID        string
	Migrated  bool
	AppliedAt time.Time
}

type migrationService struct {
	dbAddress  string
	limit      int
	logger     *zap.Logger
	migrations *migrate.EmbedFileSystemMigrationSource
	db         *sql.DB
}

func newMigrationSource() *migrate.EmbedFileSystemMigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: sqlFS,
		Root:       "sql",
	}
}

// StartupCheck compares the embedded migration set against the applied
// set and fails fast (or warns) on a schema mismatch, the same way the
// teacher's migrations.StartupCheck gates process boot.
func StartupCheck(logger *zap.Logger, db *sql.DB) {
	migrate.SetTable(migrationTable)

	ms := newMigrationSource()
	pending, err := ms.FindMigrations()
	if err != nil {
		logger.Fatal("could not find migrations", zap.Error(err))
	}

	records, err := migrate.GetMigrationRecords(db, dialect)
	if err != nil {
		logger.Fatal("could not get migration records, run `ladderd migrate up`", zap.Error(err))
	}

	diff := len(pending) - len(records)
	switch {
	case diff > 0:
		logger.Fatal("database schema outdated, run `ladderd migrate up`", zap.Int("missing", diff))
	case diff < 0:
		logger.Warn("database schema is newer than this binary expects", zap.Int("extra", -diff))
	}
}

// Parse dispatches the up/down/redo/status subcommands against db.
func Parse(args []string, logger *zap.Logger, db *sql.DB) {
	if len(args) == 0 {
		logger.Fatal("migrate requires a subcommand: 'up', 'down', 'redo', or 'status'")
	}

	migrate.SetTable(migrationTable)
	ms := &migrationService{logger: logger, migrations: newMigrationSource(), db: db}

	flags := flag.NewFlagSet("migrate", flag.ExitOnError)
	flags.IntVar(&ms.limit, "limit", defaultLimit, "number of migrations to apply forwards or backwards")
	if err := flags.Parse(args[1:]); err != nil {
		logger.Fatal("could not parse migrate flags", zap.Error(err))
	}

	switch args[0] {
	case "up":
		ms.up()
	case "down":
		ms.down()
	case "redo":
		ms.redo()
	case "status":
		ms.status()
	default:
		logger.Fatal("unrecognized migrate subcommand", zap.String("subcommand", args[0]))
	}
}

func (ms *migrationService) up() {
	limit := ms.limit
	if limit < defaultLimit {
		limit = 0
	}
	n, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Up, limit)
	if err != nil {
		ms.logger.Fatal("failed to apply migrations", zap.Int("count", n), zap.Error(err))
	}
	ms.logger.Info("applied migrations", zap.Int("count", n))
}

func (ms *migrationService) down() {
	limit := ms.limit
	if limit < defaultLimit {
		limit = 1
	}
	n, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Down, limit)
	if err != nil {
		ms.logger.Fatal("failed to migrate back", zap.Int("count", n), zap.Error(err))
	}
	ms.logger.Info("migrated back", zap.Int("count", n))
}

func (ms *migrationService) redo() {
	n, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Down, 1)
	if err != nil {
		ms.logger.Fatal("failed to migrate back", zap.Int("count", n), zap.Error(err))
	}
	ms.logger.Info("migrated back", zap.Int("count", n))

	n, err = migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Up, 1)
	if err != nil {
		ms.logger.Fatal("failed to apply migration", zap.Int("count", n), zap.Error(err))
	}
	ms.logger.Info("applied migration", zap.Int("count", n))
}

func (ms *migrationService) status() {
	pending, err := ms.migrations.FindMigrations()
	if err != nil {
		ms.logger.Fatal("could not find migrations", zap.Error(err))
	}
	records, err := migrate.GetMigrationRecords(ms.db, dialect)
	if err != nil {
		ms.logger.Fatal("could not get migration records", zap.Error(err))
	}

	rows := make(map[string]*statusRow, len(pending))
	for _, m := range pending {
		rows[m.Id] = &statusRow{ID: m.Id}
	}
	for _, r := range records {
		if row, ok := rows[r.Id]; ok {
			row.Migrated = true
			row.AppliedAt = r.AppliedAt
		}
	}

	for _, m := range pending {
		row := rows[m.Id]
		applied := ""
		if row.Migrated {
			applied = row.AppliedAt.Format(time.RFC822Z)
		}
		ms.logger.Info(fmt.Sprintf("%s applied=%s", m.Id, applied))
	}
}
