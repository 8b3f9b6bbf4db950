package ipc

import (
	"encoding/json"

	"github.com/breeze-rmm/updater/internal/bundle"
)

// Message types.
const (
	TypeHello    = "hello"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Control operations carried in Request.Op.
const (
	OpCreateBundle = "create_bundle"
	OpStart        = "start"
	OpPause        = "pause"
	OpResume       = "resume"
	OpCancel       = "cancel"
	OpQueryState   = "query_state"
	OpListBundles  = "list_bundles"
)

// MaxMessageSize is the maximum size of a JSON IPC message (16MB).
const MaxMessageSize = 16 * 1024 * 1024

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// Hello opens every connection. It is signed with the control key; both
// sides then switch to the session key derived from Nonce.
type Hello struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Nonce           string `json:"nonce"`
	ServerVersion   string `json:"serverVersion,omitempty"`
}

// Request is a control operation on the bundle manager.
type Request struct {
	Op       string        `json:"op"`
	BundleID string        `json:"bundleId,omitempty"`
	AppIDs   []string      `json:"appIds,omitempty"`
	Policy   bundle.Policy `json:"policy,omitempty"`
	// Start asks create_bundle to start the bundle immediately.
	Start bool `json:"start,omitempty"`
}

// Response answers a Request. Snapshot is set for every operation on a single
// bundle, Bundles for list_bundles.
type Response struct {
	BundleID string           `json:"bundleId,omitempty"`
	Snapshot *bundle.Snapshot `json:"snapshot,omitempty"`
	Bundles  []BundleInfo     `json:"bundles,omitempty"`
}

// BundleInfo is the list_bundles row.
type BundleInfo struct {
	BundleID string             `json:"bundleId"`
	State    bundle.BundleState `json:"state"`
	Source   string             `json:"source,omitempty"`
	Apps     int                `json:"apps"`
	Summary  bundle.Summary     `json:"summary"`
}
