package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/httputil"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server binds to loopback only; shells connect from the same host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one event pushed to a connected shell.
type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// wsHandler upgrades the connection and forwards engine events until the
// shell disconnects.
func wsHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bus == nil {
			httputil.InternalError(w, "event feed unavailable")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Log.Warn("websocket upgrade failed", "error", err)
			return
		}
		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = "shell-" + uuid.NewString()[:8]
		}
		serveWS(deps, conn, clientID)
	}
}

func serveWS(deps Deps, conn *websocket.Conn, clientID string) {
	log := deps.Log.With("component", "ws", "client", clientID)
	var writeMu sync.Mutex

	send := func(topic string, payload any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(wsFrame{Topic: topic, Payload: payload})
	}

	forward := func(topic string) events.Subscription {
		return events.Subscribe(deps.Bus, topic, func(ctx context.Context, v any) error {
			if err := send(topic, v); err != nil {
				log.Debug("dropping client", "error", err)
				conn.Close()
			}
			return nil
		})
	}

	subs := []events.Subscription{
		forward(events.TopicThreadActivity),
		forward(events.TopicThreadNotice),
		forward(events.TopicBanner),
		forward(events.TopicQueueChanged),
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
		conn.Close()
	}()

	log.Debug("shell connected")

	// Drain the read side to notice disconnects and keep control frames
	// flowing; shells send nothing meaningful here.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Debug("shell disconnected", "error", err)
			return
		}
	}
}
