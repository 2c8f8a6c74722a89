package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/registry"
)

// DefaultLogsChannel carries job log lines published by workers.
const DefaultLogsChannel = "logs"

// LogLine is one job log line as published on the logs channel.
type LogLine struct {
	JobID     string          `json:"jobId"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Msg       string          `json:"msg"`
	Level     string          `json:"level"`
}

// LogHub fans log lines out to log sockets. A subscriber registered with
// a job id only receives lines of that job.
type LogHub struct {
	store   *coordination.Store
	channel string
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[registry.Conn]string
}

// NewLogHub creates a hub for channel. A nil logger uses the package logger.
func NewLogHub(store *coordination.Store, channel string, l *slog.Logger) *LogHub {
	if channel == "" {
		channel = DefaultLogsChannel
	}
	if l == nil {
		l = logger.GetLogger()
	}
	return &LogHub{
		store:   store,
		channel: channel,
		logger:  l.With("component", "logs"),
		clients: make(map[registry.Conn]string),
	}
}

// Add subscribes conn. An empty jobID receives every line.
func (h *LogHub) Add(conn registry.Conn, jobID string) {
	h.mu.Lock()
	h.clients[conn] = jobID
	h.mu.Unlock()
}

func (h *LogHub) Remove(conn registry.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *LogHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends line to matching subscribers and returns how many
// accepted it.
func (h *LogHub) Broadcast(line *LogLine) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for conn, jobID := range h.clients {
		if jobID != "" && jobID != line.JobID {
			continue
		}
		if err := conn.Send(line); err != nil {
			h.logger.Debug("dropping log line", "connection_id", conn.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// OnPayload handles one message from the logs channel.
func (h *LogHub) OnPayload(payload []byte) {
	var line LogLine
	if err := json.Unmarshal(payload, &line); err != nil {
		h.logger.Warn("dropping malformed log line", "error", err, "bytes", len(payload))
		return
	}
	h.Broadcast(&line)
}

// Run subscribes to the logs channel until ctx is cancelled.
func (h *LogHub) Run(ctx context.Context) error {
	h.store.Subscribe(ctx, h.channel, h.OnPayload)
	return nil
}
