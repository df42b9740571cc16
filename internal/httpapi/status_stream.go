// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const statusStreamInterval = 1 * time.Second

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStatusStream upgrades to a websocket and pushes a status snapshot
// once per second until the client disconnects.
func (h *Handlers) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("status stream upgrade failed")
		return
	}
	defer conn.Close()

	// Drain and discard client frames so ping/pong and close control frames
	// are handled by gorilla's default handlers; exit when the read fails.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusStreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.baseCtx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(h.buildStatus()); err != nil {
				return
			}
		}
	}
}
