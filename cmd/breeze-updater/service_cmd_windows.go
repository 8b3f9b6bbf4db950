//go:build windows

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/breeze-rmm/updater/internal/privilege"
)

const windowsServiceName = "BreezeUpdater"

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the updater Windows service",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd, serviceStatusCmd)
}

// withService opens the installed service through the SCM.
func withService(fn func(*mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to SCM (run as Administrator): %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(windowsServiceName)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()
	return fn(s)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the updater as a Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := privilege.Require("service install"); err != nil {
			return err
		}
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}

		m, err := mgr.Connect()
		if err != nil {
			return fmt.Errorf("failed to connect to SCM (run as Administrator): %w", err)
		}
		defer m.Disconnect()

		s, err := m.CreateService(windowsServiceName, exePath, mgr.Config{
			DisplayName:      "Breeze Updater",
			Description:      "Keeps Breeze-managed applications up to date",
			StartType:        mgr.StartAutomatic,
			DelayedAutoStart: true,
			ErrorControl:     mgr.ErrorNormal,
		}, "run")
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer s.Close()

		err = s.SetRecoveryActions([]mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 10 * time.Second},
			{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
		}, 86400)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to set recovery actions: %v\n", err)
		}

		fmt.Printf("Service %q installed successfully.\n", windowsServiceName)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the updater Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			if status, err := s.Query(); err == nil && status.State != svc.Stopped {
				s.Control(svc.Stop)
				waitForState(s, svc.Stopped, 15*time.Second)
			}
			if err := s.Delete(); err != nil {
				return fmt.Errorf("failed to delete service: %w", err)
			}
			fmt.Printf("Service %q uninstalled.\n", windowsServiceName)
			return nil
		})
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the updater Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			if err := s.Start(); err != nil {
				return fmt.Errorf("failed to start service: %w", err)
			}
			fmt.Printf("Service %q started.\n", windowsServiceName)
			return nil
		})
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the updater Windows service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			if _, err := s.Control(svc.Stop); err != nil {
				return fmt.Errorf("failed to stop service: %w", err)
			}
			if !waitForState(s, svc.Stopped, 30*time.Second) {
				fmt.Printf("Service %q stop requested.\n", windowsServiceName)
				return nil
			}
			fmt.Printf("Service %q stopped.\n", windowsServiceName)
			return nil
		})
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the updater Windows service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(s *mgr.Service) error {
			status, err := s.Query()
			if err != nil {
				return fmt.Errorf("failed to query service: %w", err)
			}
			fmt.Printf("Service: %s\nState:   %s\nPID:     %d\n", windowsServiceName, stateName(status.State), status.ProcessId)
			return nil
		})
	},
}

func waitForState(s *mgr.Service, want svc.State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := s.Query()
		if err != nil {
			return false
		}
		if st.State == want {
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

func stateName(s svc.State) string {
	switch s {
	case svc.Stopped:
		return "stopped"
	case svc.StartPending:
		return "start pending"
	case svc.StopPending:
		return "stop pending"
	case svc.Running:
		return "running"
	case svc.ContinuePending:
		return "continue pending"
	case svc.PausePending:
		return "pause pending"
	case svc.Paused:
		return "paused"
	}
	return fmt.Sprintf("state %d", s)
}
