package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

type peer struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (p *peer) write(msgType int, b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteMessage(msgType, b)
}

// Server forwards FORWARD frames to the connection registered under the
// recipient id. Frames for absent recipients are dropped.
type Server struct {
	log      slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*peer
}

func NewServer(log slog.Logger) *Server {
	return &Server{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*peer),
	}
}

// Clients is the number of registered ids.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) lookup(id string) *peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("relay: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	p := &peer{ws: ws}
	var ids []string
	defer func() {
		s.mu.Lock()
		for _, id := range ids {
			if s.clients[id] == p {
				delete(s.clients, id)
			}
		}
		s.mu.Unlock()
		ws.Close()
		s.log.Debugf("relay: %s disconnected", r.RemoteAddr)
	}()

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.Debugf("relay: bad frame from %s: %v", r.RemoteAddr, err)
			continue
		}
		switch m.Type {
		case TypeRegister:
			if m.ClientID == "" {
				continue
			}
			s.mu.Lock()
			s.clients[m.ClientID] = p
			s.mu.Unlock()
			ids = append(ids, m.ClientID)
			s.log.Infof("relay: registered %s", m.ClientID)
			ack, _ := json.Marshal(Message{Type: TypeRegistered})
			if err := p.write(websocket.TextMessage, ack); err != nil {
				return
			}
		case TypeForward:
			if len(ids) == 0 {
				s.log.Debugf("relay: forward from unregistered %s dropped", r.RemoteAddr)
				continue
			}
			dst := s.lookup(m.ClientID)
			if dst == nil {
				s.log.Debugf("relay: no client %s, dropped", m.ClientID)
				continue
			}
			if err := dst.write(mt, raw); err != nil {
				s.log.Debugf("relay: forward to %s: %v", m.ClientID, err)
			}
		default:
			s.log.Debugf("relay: unknown frame type %q", m.Type)
		}
	}
}

// ListenAndServe serves the relay on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infof("relay: listening on %s", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
