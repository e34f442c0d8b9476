package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Operator UI runs on localhost
	},
}

// WSMessage is the envelope for every frame pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler streams job and unblock updates to the operator UI. It
// doubles as the dispatcher's notifier.
type WebSocketHandler struct {
	logger           arbor.ILogger
	config           *common.WebSocketConfig
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	statusThrottler  *rate.Limiter
	serverInstanceID string // Clients use this to detect server restarts
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		config:           config,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil && config.StatusThrottle != "" {
		if duration, err := time.ParseDuration(config.StatusThrottle); err == nil && duration > 0 {
			h.statusThrottler = rate.NewLimiter(rate.Every(duration), 1)
		}
	}

	return h
}

// HandleWebSocket handles GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	h.sendToClient(conn, WSMessage{
		Type:    "hello",
		Payload: map[string]string{"server_instance_id": h.serverInstanceID},
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Keep the connection alive; clients only listen
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// JobUpdated broadcasts a job state change
func (h *WebSocketHandler) JobUpdated(job *models.Job) {
	h.broadcast(WSMessage{Type: "job", Payload: job})
}

// UnblockChanged broadcasts an unblock handoff change. Never throttled: the
// operator must see a block the moment it happens.
func (h *WebSocketHandler) UnblockChanged(state *models.UnblockState) {
	h.broadcast(WSMessage{Type: "unblock", Payload: state})
}

// StatusUpdate is the periodic service status frame pushed to clients
type StatusUpdate struct {
	Service          string `json:"service"`
	Database         string `json:"database"`
	QueuedJobs       int    `json:"queued_jobs"`
	RunningJobs      int    `json:"running_jobs"`
	BlockedJobs      int    `json:"blocked_jobs"`
	UnblockActive    bool   `json:"unblock_active"`
	ServerInstanceID string `json:"server_instance_id"`
}

// BroadcastStatus pushes a service status frame, rate-limited
func (h *WebSocketHandler) BroadcastStatus(status StatusUpdate) {
	if h.statusThrottler != nil && !h.statusThrottler.Allow() {
		return
	}
	status.ServerInstanceID = h.serverInstanceID
	h.broadcast(WSMessage{Type: "status", Payload: status})
}

// StartStatusBroadcaster begins periodic status frames. source builds each
// frame; frames are skipped while no clients are connected.
func (h *WebSocketHandler) StartStatusBroadcaster(ctx context.Context, source func() StatusUpdate) {
	ticker := time.NewTicker(5 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if h.ClientCount() > 0 {
					h.BroadcastStatus(source())
				}
			}
		}
	}()
}

func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send WebSocket message")
		}
	}
}

func (h *WebSocketHandler) sendToClient(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send WebSocket message")
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetRecentLogsHandler handles GET /api/logs, returning recent entries from
// the in-memory log writer in chronological order.
func (h *WebSocketHandler) GetRecentLogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	logs := make([]map[string]string, 0)

	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	if memWriter != nil {
		entries, err := memWriter.GetEntriesWithLimit(100)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to get log entries")
			WriteError(w, http.StatusInternalServerError, "Failed to retrieve logs")
			return
		}

		// Keys are timestamps; sorting gives chronological order
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		minRank := levelRank(h.minLevel())

		for _, key := range keys {
			logLine := entries[key]
			if h.excluded(logLine) {
				continue
			}

			parts := strings.SplitN(logLine, "|", 3)
			if len(parts) != 3 {
				continue
			}
			level := strings.TrimSpace(parts[0])
			if levelRank(level) < minRank {
				continue
			}
			logs = append(logs, map[string]string{
				"level":   level,
				"time":    strings.TrimSpace(parts[1]),
				"message": strings.TrimSpace(parts[2]),
			})
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

func (h *WebSocketHandler) minLevel() string {
	if h.config == nil {
		return ""
	}
	return h.config.MinLevel
}

// levelRank orders log levels for min-level filtering. Unknown levels rank as
// info so they are never silently dropped by the default configuration.
func levelRank(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "trc":
		return 0
	case "debug", "dbg":
		return 1
	case "info", "inf":
		return 2
	case "warn", "warning", "wrn":
		return 3
	case "error", "err":
		return 4
	case "fatal", "ftl", "panic":
		return 5
	default:
		return 2
	}
}

// excluded filters internal chatter out of the operator log stream
func (h *WebSocketHandler) excluded(logLine string) bool {
	if strings.Contains(logLine, "WebSocket client") ||
		strings.Contains(logLine, "HTTP request") ||
		strings.Contains(logLine, "HTTP response") {
		return true
	}
	if h.config == nil {
		return false
	}
	for _, pattern := range h.config.ExcludePatterns {
		if pattern != "" && strings.Contains(logLine, pattern) {
			return true
		}
	}
	return false
}
