package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the bridge over an HTTP /ws upgrade endpoint.
type Server struct {
	addr   string
	bridge *Bridge
	router *mux.Router
}

// NewServer wires a Bridge to a gorilla/mux router serving a single
// WebSocket upgrade endpoint at /ws.
func NewServer(addr string, b *Bridge) *Server {
	s := &Server{addr: addr, bridge: b, router: mux.NewRouter()}
	s.router.HandleFunc("/ws", s.serveWebsocket)
	return s
}

// ListenAndServe blocks serving the bridge's HTTP router.
func (s *Server) ListenAndServe() error {
	return http.ListenAndServe(s.addr, s.router)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := s.bridge.AddClient(conn)
	defer func() {
		s.bridge.RemoveClient(id)
		conn.Close()
	}()

	s.pump(r.Context(), conn)
}

// pump runs the observer's read loop: a blocking ReadMessage call is
// required so the gorilla/websocket library's own ping/pong control-frame
// handling fires, mirroring the dedicated read-pump goroutine pattern
// used for the same reason elsewhere in the broader example corpus.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.bridge.HandleClientMessage(ctx, raw)
		}
	}()

	ticker := time.NewTicker(pingWait)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
