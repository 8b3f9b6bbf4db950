package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the updater service",
	// Logging is configured from the config file once it is loaded.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		running, err := startService()
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
		case <-running.exited:
		}
		return running.Stop()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runningService is a started service together with the process resources
// it holds.
type runningService struct {
	svc     *service.Service
	cancel  context.CancelFunc
	exited  chan struct{}
	err     error
	lock    *service.Lock
	logFile *logging.RotatingWriter
}

// startService loads and validates the config, configures logging, takes
// the singleton lock and starts the service in the background.
func startService() (*runningService, error) {
	var current atomic.Pointer[service.Service]
	var logOut io.Writer = os.Stdout

	cfg, err := config.Watch(cfgFile, func(next *config.Config, result config.ValidationResult) {
		for _, w := range result.Warnings {
			log.Warn("config reload", logging.KeyError, w)
		}
		logging.Init(next.LogFormat, next.LogLevel, logOut)
		if svc := current.Load(); svc != nil {
			svc.ApplyConfig(next)
		}
	})
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		// No config file yet; run on defaults without watching.
		cfg, err = config.Load(cfgFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if controlAddr != "" {
		cfg.ControlSocket = controlAddr
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, e := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		return nil, errors.New("invalid configuration")
	}

	logFile, err := logging.InitWithFile(cfg.LogFormat, cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		log.Warn("log file unavailable, logging to stdout only", logging.KeyError, err)
	}
	if logFile != nil {
		logOut = logging.TeeWriter(os.Stdout, logFile)
	}
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}

	lock, err := service.AcquireLock(cfg.ResolvedDataDir())
	if err != nil {
		closeLog(logFile)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc, err := service.New(ctx, cfg, version)
	if err != nil {
		cancel()
		lock.Release()
		closeLog(logFile)
		return nil, fmt.Errorf("failed to start service: %w", err)
	}
	current.Store(svc)

	r := &runningService{
		svc:     svc,
		cancel:  cancel,
		exited:  make(chan struct{}),
		lock:    lock,
		logFile: logFile,
	}
	go func() {
		r.err = svc.Run(ctx)
		close(r.exited)
	}()
	return r, nil
}

// Stop shuts the service down and releases its resources.
func (r *runningService) Stop() error {
	r.cancel()
	<-r.exited
	if err := r.lock.Release(); err != nil {
		log.Warn("releasing lock", logging.KeyError, err)
	}
	if r.err != nil {
		log.Error("service stopped with error", logging.KeyError, r.err)
	} else {
		log.Info("service stopped")
	}
	closeLog(r.logFile)
	return r.err
}

func closeLog(rw *logging.RotatingWriter) {
	if rw != nil {
		rw.Close()
	}
}
