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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OpsService serves /metrics and /healthz. It is deliberately not an
// admin API: it carries no routes that read or mutate ladder state
// (spec.md Non-goals).
type OpsService struct {
	logger *zap.Logger
	mux    *mux.Router
	ladder *LadderService
}

// NewOpsService wires the ops HTTP surface and starts listening on port.
// A port of 0 disables the surface entirely.
func NewOpsService(logger *zap.Logger, port int, ladder *LadderService) *OpsService {
	service := &OpsService{
		logger: logger,
		mux:    mux.NewRouter(),
		ladder: ladder,
	}

	service.mux.Handle("/metrics", promhttp.Handler()).Methods("GET")
	service.mux.HandleFunc("/healthz", service.healthHandler).Methods("GET")

	if port <= 0 {
		logger.Info("ops http surface disabled")
		return service
	}

	go func() {
		bindAddr := fmt.Sprintf(":%d", port)
		handlerWithCORS := handlers.CORS(handlers.AllowedOrigins([]string{"*"}))(service.mux)
		if err := http.ListenAndServe(bindAddr, handlerWithCORS); err != nil {
			logger.Fatal("ops listener failed", zap.Error(err))
		}
	}()
	logger.Info("ops http surface listening", zap.Int("port", port))

	return service
}

func (s *OpsService) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	body := map[string]any{
		"status": "ok",
		"queues": s.ladder.QueueDepths(),
	}
	encoded, _ := json.Marshal(body)
	_, _ = w.Write(encoded)
}
