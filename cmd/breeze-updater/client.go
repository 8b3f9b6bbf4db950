package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/ipc"
)

const pollInterval = 500 * time.Millisecond

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if controlAddr != "" {
		cfg.ControlSocket = controlAddr
	}
	return cfg, nil
}

// dialService connects to the running service with the control key from
// its data directory.
func dialService(ctx context.Context, cfg *config.Config) (*ipc.Client, error) {
	keyPath := filepath.Join(cfg.ResolvedDataDir(), ipc.KeyFileName)
	key, err := ipc.LoadKey(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("control key %s not found; is the updater service running?", keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("control key: %w", err)
	}
	client, err := ipc.Dial(ctx, cfg.ControlSocket, key)
	if err != nil {
		return nil, fmt.Errorf("cannot reach the updater service: %w", err)
	}
	return client, nil
}

// followBundle polls the service until the bundle finishes or ctx ends,
// reporting each state change on stderr.
func followBundle(ctx context.Context, client *ipc.Client, id string) (bundle.Snapshot, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastRev uint64
	for {
		snap, err := client.Snapshot(ctx, ipc.OpQueryState, id)
		if err != nil {
			return snap, err
		}
		if snap.Revision != lastRev {
			lastRev = snap.Revision
			reportProgress(snap)
		}
		if snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func reportProgress(snap bundle.Snapshot) {
	sum := snap.Summarize()
	fmt.Fprintf(os.Stderr, "%s: %s (%d installed, %d up to date, %d failed, %d pending)\n",
		snap.ID, snap.State, sum.Installed, sum.NoUpdate, sum.Failed, sum.Pending)
}

// finish prints the final snapshot and turns a failed or cancelled bundle
// into a non-zero exit.
func finish(snap bundle.Snapshot) error {
	if err := printSnapshot(snap); err != nil {
		return err
	}
	switch snap.State {
	case bundle.BundleError:
		return fmt.Errorf("bundle %s finished with errors", snap.ID)
	case bundle.BundleCancelled:
		return fmt.Errorf("bundle %s was cancelled", snap.ID)
	}
	return nil
}
