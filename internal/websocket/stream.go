package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The status server binds loopback; browsers on other origins are
	// rejected by the default same-origin check.
}

// Stream upgrades the request and writes a snapshot of b after every change,
// starting with the current one. The stream ends with the terminal snapshot
// and a normal close, or when the client goes away.
func Stream(w http.ResponseWriter, r *http.Request, b *bundle.Bundle) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("watch upgrade failed", logging.KeyError, err)
		return
	}
	defer conn.Close()

	logger := logging.WithBundle(log, b.ID, b.SessionID)
	gone := make(chan struct{})
	go readPump(conn, gone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var (
		sent  uint64
		first = true
	)
	for {
		changed := b.Changed()
		snap := b.Snapshot()
		if first || snap.Revision != sent {
			first = false
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				logger.Debug("watch write error", logging.KeyError, err)
				return
			}
			sent = snap.Revision
		}
		if snap.State.Terminal() {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}

		select {
		case <-changed:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames so pongs and closes are processed, and
// closes gone when the client disconnects.
func readPump(conn *websocket.Conn, gone chan struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("watch read error", logging.KeyError, err)
			}
			return
		}
	}
}
