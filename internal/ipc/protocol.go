package ipc

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("ipc")

var (
	ErrHMACMismatch = errors.New("ipc: HMAC mismatch")
	ErrReplay       = errors.New("ipc: replayed or duplicate message")
	ErrNoKey        = errors.New("ipc: connection has no key")
)

const (
	sessionKeyLabel = "breeze-updater control session v1"
	frameHeaderLen  = 4
	keyLen          = 32
)

// Conn carries signed envelopes over a stream. Each frame is a 4-byte
// big-endian length followed by the JSON envelope. Every envelope carries a
// per-direction sequence number and an HMAC-SHA256 over its fields.
type Conn struct {
	raw net.Conn
	rd  *bufio.Reader

	keyMu sync.RWMutex
	key   []byte

	wmu     sync.Mutex
	sendSeq uint64

	rmu     sync.Mutex
	recvSeq uint64
}

// NewConn wraps raw. The hello is exchanged under the control key; callers
// switch to the derived session key with Rekey afterwards.
func NewConn(raw net.Conn, key []byte) *Conn {
	return &Conn{raw: raw, rd: bufio.NewReader(raw), key: key}
}

// Rekey replaces the signing key for every later frame in both directions.
func (c *Conn) Rekey(key []byte) {
	c.keyMu.Lock()
	c.key = key
	c.keyMu.Unlock()
}

func (c *Conn) Close() error { return c.raw.Close() }
func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// Send numbers, signs and writes env as one frame.
func (c *Conn) Send(env *Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	// An absent payload is encoded as null, so sign what the peer decodes.
	if env.Payload == nil {
		env.Payload = json.RawMessage("null")
	}
	c.sendSeq++
	env.Seq = c.sendSeq
	sig, err := c.sign(env)
	if err != nil {
		return err
	}
	env.HMAC = sig

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("ipc: message too large: %d > %d", len(body), MaxMessageSize)
	}
	frame := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[frameHeaderLen:], body)
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

// Recv reads one frame and rejects it unless its signature verifies and its
// sequence number is above every one seen before.
func (c *Conn) Recv() (*Envelope, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(c.rd, header[:]); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	switch {
	case n == 0:
		return nil, errors.New("ipc: empty frame")
	case n > uint32(MaxMessageSize):
		return nil, fmt.Errorf("ipc: message too large: %d > %d", n, MaxMessageSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.rd, body); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}
	want, err := c.sign(&env)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(env.HMAC), []byte(want)) {
		return nil, ErrHMACMismatch
	}
	if env.Seq <= c.recvSeq {
		return nil, fmt.Errorf("%w: sequence %d after %d", ErrReplay, env.Seq, c.recvSeq)
	}
	c.recvSeq = env.Seq
	return &env, nil
}

// SendTyped marshals payload into an envelope of msgType.
func (c *Conn) SendTyped(id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{ID: id, Type: msgType, Payload: raw})
}

// SendError replies to id with an error and no payload.
func (c *Conn) SendError(id, msgType, msg string) error {
	return c.Send(&Envelope{ID: id, Type: msgType, Error: msg})
}

// sign returns hex(HMAC-SHA256(key, seq||len(id)||id||len(type)||type||
// len(error)||error||payload)). The length prefixes keep field boundaries
// unambiguous.
func (c *Conn) sign(env *Envelope) (string, error) {
	c.keyMu.RLock()
	key := c.key
	c.keyMu.RUnlock()
	if len(key) == 0 {
		return "", ErrNoKey
	}

	mac := hmac.New(sha256.New, key)
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], env.Seq)
	mac.Write(num[:])
	for _, field := range []string{env.ID, env.Type, env.Error} {
		binary.BigEndian.PutUint64(num[:], uint64(len(field)))
		mac.Write(num[:])
		mac.Write([]byte(field))
	}
	mac.Write(env.Payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// DeriveSessionKey binds a connection's key to the control key and the
// server's per-connection nonce.
func DeriveSessionKey(controlKey, nonce []byte) []byte {
	mac := hmac.New(sha256.New, controlKey)
	mac.Write([]byte(sessionKeyLabel))
	mac.Write(nonce)
	return mac.Sum(nil)
}

// GenerateSessionKey returns a random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate key: %w", err)
	}
	return key, nil
}
