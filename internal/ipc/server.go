package ipc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"
)

const defaultIdleTimeout = 5 * time.Minute

// Handler executes control requests.
type Handler interface {
	HandleControl(ctx context.Context, req *Request) (*Response, error)
}

// Server accepts control connections and dispatches their requests.
type Server struct {
	Handler Handler
	// Key is the control key; every connection derives its session key from it.
	Key     []byte
	Version string
	// Limiter bounds connection attempts per peer identity. Nil disables it.
	Limiter *RateLimiter
	// AllowedUIDs restricts unix peers. Empty allows any peer holding the key.
	AllowedUIDs []uint32
	IdleTimeout time.Duration

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Serve accepts connections on ln until ctx is done, then closes every open
// connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Handler == nil || len(s.Key) == 0 {
		return errors.New("ipc: server requires a handler and a key")
	}
	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		s.closed = true
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	log.Info("control server listening", "addr", ln.Addr().String())
	for {
		raw, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		if !s.track(raw) {
			raw.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(raw)
			s.serveConn(ctx, raw)
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) identify(raw net.Conn) (string, error) {
	peer, err := peerOf(raw)
	if err == nil {
		if len(s.AllowedUIDs) > 0 && !slices.Contains(s.AllowedUIDs, peer.UID) {
			return "", fmt.Errorf("ipc: uid %d not allowed", peer.UID)
		}
		log.Debug("control peer", "uid", peer.UID, "pid", peer.PID)
		return peer.Identity(), nil
	}
	if !errors.Is(err, ErrNoPeerCredentials) {
		return "", err
	}
	host, _, splitErr := net.SplitHostPort(raw.RemoteAddr().String())
	if splitErr != nil {
		return raw.RemoteAddr().String(), nil
	}
	return host, nil
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	identity, err := s.identify(raw)
	if err != nil {
		log.Warn("rejected control connection", "error", err)
		return
	}
	if s.Limiter != nil && !s.Limiter.Allow(identity) {
		log.Warn("control connection rate limited", "peer", identity)
		return
	}

	conn := NewConn(raw, s.Key)
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		log.Error("generate nonce", "error", err)
		return
	}
	err = conn.SendTyped("hello", TypeHello, Hello{
		ProtocolVersion: ProtocolVersion,
		Nonce:           hex.EncodeToString(nonce),
		ServerVersion:   s.Version,
	})
	if err != nil {
		log.Debug("send hello failed", "peer", identity, "error", err)
		return
	}
	conn.Rekey(DeriveSessionKey(s.Key, nonce))

	idle := s.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		env, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug("control connection closed", "peer", identity, "error", err)
			}
			return
		}
		if err := s.dispatch(ctx, conn, env); err != nil {
			log.Debug("control reply failed", "peer", identity, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, env *Envelope) error {
	switch env.Type {
	case TypePing:
		return conn.SendTyped(env.ID, TypePong, nil)
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return conn.SendError(env.ID, TypeResponse, "malformed request: "+err.Error())
		}
		resp, err := s.Handler.HandleControl(ctx, &req)
		if err != nil {
			return conn.SendError(env.ID, TypeResponse, err.Error())
		}
		return conn.SendTyped(env.ID, TypeResponse, resp)
	default:
		return conn.SendError(env.ID, TypeResponse, "unknown message type "+env.Type)
	}
}
