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
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 32 * 1024
)

// wsMessenger is the default PlayerMessenger, a JSON-framed websocket
// connection, adapted from the teacher's wsSession (server/session_ws.go)
// down to the single concern this core needs: deliver JSON-shaped
// out-of-band messages (SearchInfo, MatchFound, LaunchGame, ...) and
// report whether the connection is alive.
type wsMessenger struct {
	logger  *zap.Logger
	conn    *websocket.Conn
	mu      sync.Mutex
	stopped atomic.Bool

	pingTicker *time.Ticker
	stopCh     chan struct{}
}

// NewWSMessenger wraps an already-upgraded *websocket.Conn. onMessage is
// invoked, from the read pump, for every inbound frame — this is the single
// reader gorilla/websocket allows per connection, so decoding and routing
// start_search/cancel_search requests happens here rather than in a
// separate goroutine racing to read the same socket. onClose is invoked
// once when the connection dies.
func NewWSMessenger(logger *zap.Logger, conn *websocket.Conn, onMessage func(data []byte), onClose func()) PlayerMessenger {
	m := &wsMessenger{
		logger:     logger,
		conn:       conn,
		pingTicker: time.NewTicker(wsPingPeriod),
		stopCh:     make(chan struct{}),
	}

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go m.pingPeriodically()
	go m.readPump(onMessage, onClose)

	return m
}

func (m *wsMessenger) Connected() bool {
	return !m.stopped.Load()
}

// Send JSON-marshals msg and writes it as a single text frame.
func (m *wsMessenger) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Load() {
		return nil
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.logger.Warn("could not write websocket message", zap.Error(err))
		return err
	}
	return nil
}

func (m *wsMessenger) readPump(onMessage func(data []byte), onClose func()) {
	defer m.close(onClose)
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				m.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (m *wsMessenger) pingPeriodically() {
	for {
		select {
		case <-m.pingTicker.C:
			m.mu.Lock()
			stopped := m.stopped.Load()
			if !stopped {
				_ = m.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					stopped = true
				}
			}
			m.mu.Unlock()
			if stopped {
				return
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *wsMessenger) close(onClose func()) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.pingTicker.Stop()
	close(m.stopCh)
	_ = m.conn.Close()
	if onClose != nil {
		onClose()
	}
}

// NewWSUpgrader builds the websocket.Upgrader NewSearchHandler installs on
// each inbound request.
func NewWSUpgrader(readBufferSize, writeBufferSize int) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// PlayerRegistry is the in-memory table of connected *Player instances,
// keyed by identity, that backs NewSearchHandler. A party's Searches share
// the same *Player object their owner's own connection writes through, so
// reconnecting rebinds Messages on the existing Player rather than losing
// track of in-flight Searches tied to the old pointer.
type PlayerRegistry struct {
	mu      sync.Mutex
	players map[uuid.UUID]*Player
}

// NewPlayerRegistry constructs an empty PlayerRegistry.
func NewPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{players: make(map[uuid.UUID]*Player)}
}

// GetOrCreate returns the existing Player for id, rebinding its login,
// faction and Messages to the latest connection, or constructs a new one.
func (r *PlayerRegistry) GetOrCreate(id uuid.UUID, login string, faction int32, messenger PlayerMessenger) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[id]; ok {
		p.Login = login
		p.Faction = faction
		p.Messages = messenger
		return p
	}
	p := NewPlayer(id, login, faction, messenger)
	r.players[id] = p
	return p
}

// Forget drops id's Player once its connection has closed.
func (r *PlayerRegistry) Forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.players, id)
}

// inboundEnvelope is decoded first to dispatch on Type, then the matching
// concrete request is decoded from the same payload (spec.md §6 player
// message surface, inbound half).
type inboundEnvelope struct {
	Type string `json:"type"`
}

// inboundStartSearch is the wire shape of a start_search request. Only the
// connecting player is enrolled: this core's start_search(players, ...) API
// accepts a party, but spec.md's wire surface never defines how a party of
// separately-connected clients is assembled into one request, so that step
// is left to a higher-level lobby/party service this transport does not
// implement.
type inboundStartSearch struct {
	Type      string `json:"type"` // "start_search"
	QueueName string `json:"queue_name"`
}

// inboundCancelSearch is the wire shape of a cancel_search request.
// QueueName empty cancels every Search the connecting player has active.
type inboundCancelSearch struct {
	Type      string `json:"type"` // "cancel_search"
	QueueName string `json:"queue_name"`
}

// NewSearchHandler upgrades matching requests to websockets, resolves the
// connecting identity through registry, and relays every start_search and
// cancel_search frame to ladder for the life of the connection. The
// connecting player's identity is read directly from the request's query
// parameters: authenticating that identity against a real account system
// is an external concern this core never implements (spec.md Non-goals).
func NewSearchHandler(logger *zap.Logger, ladder *LadderService, registry *PlayerRegistry, upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, err := uuid.FromString(r.URL.Query().Get("player_id"))
		if err != nil {
			http.Error(w, "missing or invalid player_id", http.StatusBadRequest)
			return
		}
		login := r.URL.Query().Get("login")
		faction, _ := strconv.Atoi(r.URL.Query().Get("faction"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		var self *Player
		onMessage := func(data []byte) {
			routeInboundMessage(logger, ladder, self, data)
		}
		onClose := func() {
			ladder.OnConnectionLost(self)
			registry.Forget(playerID)
		}
		messenger := NewWSMessenger(logger, conn, onMessage, onClose)
		self = registry.GetOrCreate(playerID, login, int32(faction), messenger)
	}
}

// NewSearchTransport wires NewSearchHandler onto its own mux.Router and
// starts listening on port, mirroring NewOpsService's pattern (server/
// http.go) but kept on a separate listener: OpsService is deliberately
// route-free of anything that reads or mutates ladder state, and the
// inbound search surface is exactly that. A port of 0 disables the
// surface entirely.
func NewSearchTransport(logger *zap.Logger, ladder *LadderService, config *TransportConfig) *PlayerRegistry {
	registry := NewPlayerRegistry()

	if config.ListenPort <= 0 {
		logger.Info("player websocket transport disabled")
		return registry
	}

	upgrader := NewWSUpgrader(config.ReadBufferSize, config.WriteBufferSize)
	router := mux.NewRouter()
	router.HandleFunc("/ws/search", NewSearchHandler(logger, ladder, registry, upgrader)).Methods("GET")

	go func() {
		bindAddr := fmt.Sprintf(":%d", config.ListenPort)
		if err := http.ListenAndServe(bindAddr, router); err != nil {
			logger.Fatal("player websocket listener failed", zap.Error(err))
		}
	}()
	logger.Info("player websocket transport listening", zap.Int("port", config.ListenPort))

	return registry
}

// routeInboundMessage decodes one inbound websocket frame and dispatches it
// to LadderService. Malformed or unrecognised frames are logged and
// dropped; a single bad frame must not kill the connection.
func routeInboundMessage(logger *zap.Logger, ladder *LadderService, self *Player, data []byte) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Warn("could not decode inbound websocket frame", zap.Error(err))
		return
	}

	switch envelope.Type {
	case "start_search":
		var req inboundStartSearch
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("could not decode start_search request", zap.Error(err))
			return
		}
		ladder.StartSearch([]*Player{self}, req.QueueName, ladder.OnMatched())
	case "cancel_search":
		var req inboundCancelSearch
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("could not decode cancel_search request", zap.Error(err))
			return
		}
		ladder.CancelSearch(self, req.QueueName)
	default:
		logger.Warn("unrecognised inbound websocket message type", zap.String("type", envelope.Type))
	}
}
