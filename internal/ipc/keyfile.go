package ipc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// KeyFileName is the control key file inside the data directory.
const KeyFileName = "control.key"

// ErrKeyPermissions is returned when a key file is readable by other users.
var ErrKeyPermissions = errors.New("ipc: control key file is accessible by other users")

// LoadOrCreateKey returns the control key stored at path, creating a new
// random key with mode 0600 when the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return key, err
	}

	key, err = GenerateSessionKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ipc: create key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Lost a race with another process; use its key.
		return LoadKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("ipc: create key file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		return nil, fmt.Errorf("ipc: write key file: %w", err)
	}
	log.Info("generated control key", "path", path)
	return key, nil
}

// LoadKey reads a hex encoded control key.
func LoadKey(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %v", ErrKeyPermissions, path, info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("ipc: decode key file: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("ipc: control key too short (%d bytes)", len(key))
	}
	return key, nil
}
