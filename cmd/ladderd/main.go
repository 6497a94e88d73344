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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"database/sql"

	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"

	"github.com/heroiclabs/ladder/migrations"
	"github.com/heroiclabs/ladder/server"
)

var (
	version  string
	commitID string
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	http.DefaultClient.Timeout = 5 * time.Second

	consoleLogger := server.NewJSONLogger(os.Stdout, zap.InfoLevel, server.JSONFormat)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			runMigrate(consoleLogger, os.Args[2:])
			return
		}
	}

	config := server.ParseArgs(consoleLogger, os.Args[1:])
	logger := server.SetupLogging(consoleLogger, config)

	logger.Info("ladderd starting")
	logger.Info("node", zap.String("name", config.GetName()), zap.String("version", semver))

	store, err := server.NewPostgresStore(logger, config.GetDatabase().Address, config.GetDatabase().MaxOpenConns)
	if err != nil {
		logger.Fatal("could not open relational store", zap.Error(err))
	}

	metrics := server.NewTallyMetrics(logger, config.GetMetrics().Prefix, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	violations := server.NewViolationService(config.GetLadder().BanDuration)

	games := server.NewNullGameService(logger)

	launcher := server.NewMatchLauncher(logger, store, games, violations, metrics, config.GetLadder().AntiRepetitionLimit)
	teamMaker := server.NewTeamMatchMaker(50 * time.Millisecond)

	var ladder *server.LadderService
	popTimer := server.NewPopTimer(
		config.GetLadder().PopBaseInterval,
		config.GetLadder().PopMinInterval,
		config.GetLadder().PopMaxInterval,
		func() int { return ladder.DepthFunc()() },
	)

	ladder = server.NewLadderService(logger, store, launcher, violations, teamMaker, metrics, popTimer, config.GetLadder().AntiRepetitionLimit)

	ctx, cancel := context.WithCancel(context.Background())
	go ladder.RunRefreshLoop(ctx)
	go ladder.RunPopLoop()

	ops := server.NewOpsService(logger, config.GetMetrics().ExposeHTTPPort, ladder)
	_ = ops

	_ = server.NewSearchTransport(logger, ladder, config.GetTransport())

	logger.Info("ladderd startup done")

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ladder.Stop()
	cancel()
	_ = metrics.Close()
	_ = store.Close()
}

func runMigrate(logger *zap.Logger, args []string) {
	dbAddress := "postgres://root@localhost:26257/ladder?sslmode=disable"
	for i, a := range args {
		if a == "-database.address" && i+1 < len(args) {
			dbAddress = args[i+1]
		}
	}

	db, err := sql.Open("pgx", dbAddress)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	migrations.Parse(args, logger, db)
}
