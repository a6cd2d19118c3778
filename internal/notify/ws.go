package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/emergency-dispatch/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession serializes writes to one connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(ev)
}

func (s *wsSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// ServeWS upgrades the request and streams the actor's events until the
// peer disconnects. Nothing missed while disconnected is replayed.
func ServeWS(h *Hub, log *zap.SugaredLogger, w http.ResponseWriter, r *http.Request, actor models.Actor) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("ws upgrade failed", "error", err)
		return
	}
	sub := h.Subscribe(actor)
	sess := &wsSession{conn: conn}
	log.Infow("ws subscribed", "actor", actor.ID, "role", actor.Role, "subscription", sub.ID)

	// the read side only exists to notice the peer going away
	go func() {
		defer sub.Close()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
		log.Infow("ws closed", "actor", actor.ID, "subscription", sub.ID)
	}()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sess.send(ev); err != nil {
				log.Debugw("ws send error", "error", err)
				return
			}
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		}
	}
}
