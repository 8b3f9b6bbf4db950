package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
	maxReconnects  = 5
)

// WatchURL builds the watch endpoint for bundleID on a status server base URL.
func WatchURL(base, bundleID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/v1/bundles/%s/watch", url.PathEscape(bundleID))
	return u.String(), nil
}

// Watch streams snapshots from a watch endpoint to fn until the bundle is
// terminal or ctx ends. Dropped connections are redialed with backoff; the
// server resends the current snapshot on every connect.
func Watch(ctx context.Context, wsURL string, fn func(bundle.Snapshot)) (bundle.Snapshot, error) {
	var last bundle.Snapshot
	backoff := initialBackoff
	failures := 0

	for {
		done, err := watchOnce(ctx, wsURL, func(s bundle.Snapshot) {
			last = s
			backoff = initialBackoff
			failures = 0
			fn(s)
		})
		if done {
			return last, nil
		}
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		failures++
		if failures > maxReconnects {
			return last, fmt.Errorf("watch %s: %w", wsURL, err)
		}

		jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}
		log.Debug("watch connection lost, retrying", "delay", sleep, logging.KeyError, err)
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// watchOnce reads one connection. done is true once a terminal snapshot was
// delivered.
func watchOnce(ctx context.Context, wsURL string, fn func(bundle.Snapshot)) (done bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return false, errors.New("server closed the stream before the bundle finished")
			}
			return false, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var snap bundle.Snapshot
		if err := json.Unmarshal(message, &snap); err != nil {
			log.Warn("failed to parse snapshot", logging.KeyError, err)
			continue
		}
		fn(snap)
		if snap.State.Terminal() {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return true, nil
		}
	}
}
