package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server exposes the hub over a websocket endpoint. Each accepted connection
// becomes one Session with a read pump (client commands) and a write pump
// (event delivery plus ping keepalives).
type Server struct {
	cfg      config.HubConfig
	hub      *Hub
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewServer(cfg config.HubConfig, h *Hub) *Server {
	return &Server{
		cfg: cfg,
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Client auth is out of scope; accept any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
}

// Start begins serving the websocket endpoint. It returns once the listener
// is running; serve errors other than graceful shutdown are logged.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("hub server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	log := s.log.WithComponent("hub_server")
	log.WithFields(logger.Fields{"addr": s.cfg.Addr, "path": s.cfg.Path}).Info("starting hub server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("hub server failed")
		}
	}()
	return nil
}

// Stop shuts the listener down and waits for connection goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log := s.log.WithComponent("hub_server")
	log.Info("stopping hub server")
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("hub server shutdown error")
		}
	}
	s.wg.Wait()
	log.Info("hub server stopped")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("hub_server").WithError(err).Warn("websocket upgrade failed")
		return
	}

	session := NewSession(conn, s.cfg.SessionBuffer)
	s.hub.OnConnect(session)

	s.wg.Add(2)
	go s.writePump(session, conn)
	go s.readPump(session, conn)
}

// readPump consumes client commands until the connection drops.
func (s *Server) readPump(session *Session, conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		s.hub.OnDisconnect(session)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log := s.log.WithComponent("hub_server").WithFields(logger.Fields{"session_id": session.ID})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("session read error")
			}
			return
		}

		var cmd models.ClientCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			log.WithError(err).Debug("malformed client command, ignoring")
			continue
		}

		switch cmd.Type {
		case models.FeedFrameSubscribe:
			s.hub.Subscribe(session, cmd.Symbols)
		case models.FeedFrameUnsubscribe:
			s.hub.Unsubscribe(session, cmd.Symbols)
		default:
			log.WithFields(logger.Fields{"type": cmd.Type}).Debug("unknown client command, ignoring")
		}
	}
}

// writePump drains the session's send queue onto the wire, in order, with
// periodic pings. It exits when the queue is closed or a write fails.
func (s *Server) writePump(session *Session, conn *websocket.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-session.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
