package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	changeBuffer   = 64
	streamWriteMax = 10 * time.Second
	streamPongWait = 60 * time.Second
	streamPingTick = streamPongWait * 9 / 10
	streamReadMax  = 512
)

func (s *Server) upgrader() websocket.Upgrader {
	origins := s.config.CORSAllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
}

// handleChanges streams committed writes over a websocket. Under
// /v1/tables/{table}/changes only that table is streamed; /v1/changes
// streams every table. Slow clients lose changes rather than stall writers.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	table := ""
	if chi.URLParam(r, "table") != "" {
		t, ok := s.table(w, r)
		if !ok {
			return
		}
		table = t
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logFor(r.Context()).Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	changes, cancel := s.facade.Hub().Subscribe(table, changeBuffer)
	defer cancel()
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	log := logFor(r.Context()).With("table", table)
	log.Info("change stream opened")

	// The reader only services control frames; any data frame or error
	// ends the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(streamReadMax)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingTick)
	defer ping.Stop()
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteMax))
			if err := conn.WriteJSON(c); err != nil {
				log.Warn("change stream write", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteMax)); err != nil {
				return
			}
		case <-done:
			log.Info("change stream closed by client")
			return
		case <-s.streams.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}
