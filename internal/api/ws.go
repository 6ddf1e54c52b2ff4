package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zh0006xu/PolyLens/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is public and read-only; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsConn serializes writes: hub broadcasts and control-frame replies come
// from different goroutines, and gorilla allows only one writer at a time.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteJSON(v)
}

func (s *Server) handleWSWhales(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r, stream.ChannelWhales)
}

func (s *Server) handleWSTrades(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r, stream.ChannelTrades)
}

// serveChannel upgrades the connection, subscribes it, and runs the read
// loop for client control frames until the transport dies.
func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	if err := s.hub.Subscribe(channel, wc); err != nil {
		s.hub.Unsubscribe(channel, wc)
		return
	}
	defer s.hub.Unsubscribe(channel, wc)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go s.pingLoop(conn, r.Context().Done())

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		switch strings.TrimSpace(string(msg)) {
		case "ping":
			if err := wc.WriteJSON(stream.Envelope{Type: "pong", Channel: channel}); err != nil {
				return
			}
		case "status":
			if err := wc.WriteJSON(s.hub.Status()); err != nil {
				return
			}
		}
	}
}

// pingLoop keeps NATs and proxies from idling the connection out.
func (s *Server) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleWSStatus reports subscriber counts over plain HTTP.
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Status())
}
