package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/ipc"
	"github.com/breeze-rmm/updater/internal/privilege"
	"github.com/breeze-rmm/updater/internal/service"
	"github.com/breeze-rmm/updater/internal/websocket"
)

var (
	installLocal   bool
	installOffline bool
	waitTimeout    time.Duration
	noWait         bool
	watchStatus    bool
)

var checkCmd = &cobra.Command{
	Use:   "check [app-id...]",
	Short: "Check for and apply updates (all registered apps by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBundle(cmd.Context(), args, bundle.Policy{InstallSource: bundle.SourceOnDemand})
	},
}

var installCmd = &cobra.Command{
	Use:   "install [app-id...]",
	Short: "Install updates for the given apps",
	Long: `Install updates for the given apps (all registered apps by default).

With --local the bundle runs in this process instead of the service, which is
useful before the service is installed. --offline resolves updates only from
the offline directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := bundle.Policy{InstallSource: bundle.SourceCLI}
		if installOffline {
			policy.OfflineOnly = true
			policy.InstallSource = bundle.SourceOffline
		}
		if installLocal {
			return runLocalBundle(cmd.Context(), args, policy)
		}
		return runBundle(cmd.Context(), args, policy)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [bundle-id]",
	Short: "Show one bundle, or list every bundle the service holds",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if watchStatus {
			if len(args) == 0 {
				return errors.New("--watch needs a bundle id")
			}
			return watchBundle(ctx, cfg.StatusListenAddr, args[0])
		}

		client, err := dialService(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		if len(args) == 0 {
			infos, err := client.List(ctx)
			if err != nil {
				return err
			}
			return printBundleList(infos)
		}
		snap, err := client.Snapshot(ctx, ipc.OpQueryState, args[0])
		if err != nil {
			return err
		}
		return printSnapshot(snap)
	},
}

func init() {
	for _, c := range []*cobra.Command{checkCmd, installCmd} {
		c.Flags().DurationVar(&waitTimeout, "timeout", time.Hour, "how long to wait for the bundle to finish")
		c.Flags().BoolVar(&noWait, "no-wait", false, "print the bundle id and return without waiting")
	}
	installCmd.Flags().BoolVar(&installLocal, "local", false, "run the bundle in this process instead of the service")
	installCmd.Flags().BoolVar(&installOffline, "offline", false, "install only from the offline directory")
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "stream the bundle's progress from the status server")

	rootCmd.AddCommand(checkCmd, installCmd, statusCmd,
		controlCommand(ipc.OpStart, "Start a bundle that was created without starting"),
		controlCommand(ipc.OpPause, "Pause a running bundle"),
		controlCommand(ipc.OpResume, "Resume a paused bundle"),
		controlCommand(ipc.OpCancel, "Cancel a bundle"),
	)
}

func controlCommand(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <bundle-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := dialService(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			snap, err := client.Snapshot(ctx, op, args[0])
			if err != nil {
				return err
			}
			return printSnapshot(snap)
		},
	}
}

// runBundle asks the service to create and start a bundle, then follows it.
func runBundle(ctx context.Context, appIDs []string, policy bundle.Policy) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := dialService(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.CreateBundle(ctx, appIDs, policy, true)
	if err != nil {
		return err
	}
	if noWait {
		if resp.Snapshot != nil {
			return printSnapshot(*resp.Snapshot)
		}
		fmt.Println(resp.BundleID)
		return nil
	}

	ctx, cancel := waitContext(ctx)
	defer cancel()
	snap, err := followBundle(ctx, client, resp.BundleID)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stopped waiting for bundle %s (it keeps running in the service): %w", resp.BundleID, err)
		}
		return err
	}
	return finish(snap)
}

// runLocalBundle runs one bundle in this process. It refuses to run next to
// the service, which would race it for the registry and downloads.
func runLocalBundle(ctx context.Context, appIDs []string, policy bundle.Policy) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		return fmt.Errorf("invalid configuration: %w", errors.Join(result.Fatals...))
	}
	lock, err := service.AcquireLock(cfg.ResolvedDataDir())
	if errors.Is(err, service.ErrAlreadyRunning) {
		return errors.New("the updater service is running; drop --local to install through it")
	}
	if err != nil {
		return err
	}
	defer lock.Release()
	if !privilege.IsElevated() {
		fmt.Fprintln(os.Stderr, "Warning: not elevated; machine-wide installers are likely to fail")
	}

	ctx, cancel := waitContext(ctx)
	defer cancel()

	comps, err := service.Build(ctx, cfg, version, service.Options{})
	if err != nil {
		return err
	}
	defer comps.Close(context.Background())

	m := service.NewManager(service.ManagerConfig{
		Apps:   comps.Registry,
		Runner: comps.Worker,
		Purger: comps.Downloads,
	})
	defer m.Close(context.Background())

	b, err := m.CreateBundle(ctx, appIDs, policy)
	if err != nil {
		return err
	}
	if _, err := m.Start(b.ID); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, b.Cancel)
	defer stop()
	var lastRev uint64
	for {
		changed := b.Changed()
		snap := b.Snapshot()
		if snap.Revision != lastRev {
			lastRev = snap.Revision
			reportProgress(snap)
		}
		if snap.State.Terminal() {
			return finish(snap)
		}
		<-changed
	}
}

func watchBundle(ctx context.Context, addr, id string) error {
	if addr == "" {
		return errors.New("status server is disabled (status_listen_addr is empty)")
	}
	wsURL, err := websocket.WatchURL("http://"+addr, id)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	snap, err := websocket.Watch(ctx, wsURL, reportProgress)
	if err != nil {
		return err
	}
	return finish(snap)
}

// waitContext bounds a wait by --timeout and by an interrupt.
func waitContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	return ctx, func() {
		cancel()
		stopSignals()
	}
}
