// Package audit keeps a local, tamper-evident JSONL log of app transitions.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("audit")

// FileName is the active audit log inside the data directory.
const FileName = "audit.jsonl"

const genesis = "genesis"

// Event types.
const (
	EventTransition   = "transition"
	EventServiceStart = "service_start"
	EventServiceStop  = "service_stop"
	EventConfigChange = "config_change"
	EventLogRotated   = "log_rotated"
)

// Entries fsynced on write, in addition to terminal transitions.
var criticalEvents = map[string]bool{
	EventServiceStart: true,
	EventServiceStop:  true,
	EventConfigChange: true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	BundleID  string         `json:"bundleId,omitempty"`
	AppID     string         `json:"appId,omitempty"`
	Record    *bundle.Record `json:"record,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes a SHA-256 hash chain of entries. After a rotation the first
// entry of the new file is an EventLogRotated sentinel whose prevHash is the
// last hash of the rotated file.
type Logger struct {
	mu       sync.Mutex
	w        *logging.RotatingWriter
	prevHash string
	rotated  string
	dropped  atomic.Int64
	written  atomic.Int64
}

// New opens {dataDir}/audit.jsonl, resuming the chain from its last entry.
func New(dataDir string, maxSizeMB, maxBackups int) (*Logger, error) {
	path := filepath.Join(dataDir, FileName)
	w, err := logging.NewRotatingWriter(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return newLogger(w)
}

func newLogger(w *logging.RotatingWriter) (*Logger, error) {
	prev, err := lastHash(w.Path())
	if err != nil {
		w.Close()
		return nil, err
	}
	l := &Logger{w: w, prevHash: prev}
	w.OnRotate(func(rotated string) { l.rotated = rotated })
	log.Info("audit log opened", "path", w.Path())
	return l, nil
}

// Report records a transition. It implements the worker's reporter.
func (l *Logger) Report(rec bundle.Record) {
	if l == nil {
		return
	}
	rec.Error = cloneError(rec.Error)
	l.write(Entry{
		EventType: EventTransition,
		BundleID:  rec.BundleID,
		AppID:     rec.AppID,
		Record:    &rec,
	}, rec.To.Terminal())
}

// Log writes a free-form entry. Safe on a nil receiver.
func (l *Logger) Log(eventType string, details map[string]any) {
	if l == nil {
		return
	}
	if len(details) == 0 {
		details = nil
	}
	l.write(Entry{EventType: eventType, Details: details}, criticalEvents[eventType])
}

// Close closes the underlying file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// Path returns the active log file.
func (l *Logger) Path() string { return l.w.Path() }

// DroppedCount returns how many entries failed to write, or -1 for a nil
// logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Written returns how many entries were appended since open.
func (l *Logger) Written() int64 { return l.written.Load() }

func (l *Logger) write(entry Entry, sync bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "eventType", entry.EventType)
		l.dropped.Add(1)
		return
	}

	if int64(len(data)) > l.w.Remaining() {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		// Relink to the sentinel.
		if data, err = l.seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	if err := l.append(data); err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", entry.EventType)
		l.dropped.Add(1)
		return
	}
	// The chain only advances after a successful write.
	l.prevHash = entry.EntryHash
	l.written.Add(1)

	if sync {
		if err := l.w.Sync(); err != nil {
			log.Warn("audit fsync failed", logging.KeyError, err, "eventType", entry.EventType)
		}
	}
}

func (l *Logger) rotate() error {
	if err := l.w.Rotate(); err != nil {
		return err
	}
	sentinel := Entry{
		EventType: EventLogRotated,
		Details:   map[string]any{"previousFile": l.rotated},
	}
	data, err := l.seal(&sentinel)
	if err == nil {
		err = l.append(data)
	}
	if err != nil {
		l.prevHash = "chain-broken"
		return fmt.Errorf("write rotation sentinel: %w", err)
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) append(data []byte) error {
	_, err := l.w.Write(data)
	return err
}

// seal stamps, links and hashes entry, returning its encoded line.
func (l *Logger) seal(entry *Entry) ([]byte, error) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	entry.PrevHash = l.prevHash
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes every field so no two field combinations hash
// the same byte stream.
func computeHash(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Timestamp, e.EventType, e.BundleID, e.AppID, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	var parts []any
	if e.Record != nil {
		parts = append(parts, e.Record)
	}
	if e.Details != nil {
		parts = append(parts, e.Details)
	}
	for _, v := range parts {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ErrChainBroken is returned by VerifyFile when an entry does not link to or
// hash as its predecessor says.
var ErrChainBroken = errors.New("audit hash chain broken")

// VerifyFile checks every entry of path, starting from prevHash (use
// "genesis" for the first file ever written). It returns the last hash so
// callers can continue across generations, oldest first.
func VerifyFile(path, prevHash string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return "", fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if prevHash != "" && e.PrevHash != prevHash {
			return "", fmt.Errorf("%s:%d: %w: prevHash %q, want %q", path, line, ErrChainBroken, e.PrevHash, prevHash)
		}
		want, err := computeHash(e)
		if err != nil {
			return "", err
		}
		if e.EntryHash != want {
			return "", fmt.Errorf("%s:%d: %w: entry hash mismatch", path, line, ErrChainBroken)
		}
		prevHash = e.EntryHash
	}
	return prevHash, sc.Err()
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	last := genesis
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.EntryHash != "" {
			last = e.EntryHash
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan audit log: %w", err)
	}
	return last, nil
}

func cloneError(e *bundle.AppError) *bundle.AppError {
	if e == nil {
		return nil
	}
	c := *e
	c.Transports = append([]string(nil), e.Transports...)
	return &c
}
