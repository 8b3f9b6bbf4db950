//go:build linux || darwin

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/privilege"
)

const unixBinaryPath = "/usr/local/bin/breeze-updater"

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the updater system service (" + serviceManager + ")",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd, serviceStatusCmd)
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the updater as a system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("service install"); err != nil {
			return err
		}
		for _, dir := range []string{config.ConfigDir(), config.GetDataDir(), serviceLogDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.Chmod(config.GetDataDir(), 0o700); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", config.GetDataDir(), err)
		}
		if err := installBinary(); err != nil {
			return err
		}
		if err := os.WriteFile(serviceUnitPath, []byte(serviceUnit), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", serviceUnitPath, err)
		}
		fmt.Printf("Service definition installed to %s\n", serviceUnitPath)
		if err := registerService(); err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Breeze Updater service installed.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Register apps:  sudo breeze-updater apps add <app-id> --version <version>")
		fmt.Println("  2. Start:          sudo breeze-updater service start")
		fmt.Println("  3. Check now:      sudo breeze-updater check")
		fmt.Printf("  4. Logs:           %s\n", serviceLogHint)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the updater system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("service uninstall"); err != nil {
			return err
		}
		unregisterService()
		os.Remove(unixBinaryPath)

		fmt.Println("Breeze Updater service uninstalled.")
		fmt.Printf("Config in %s and data in %s were preserved.\n", config.ConfigDir(), config.GetDataDir())
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("service start"); err != nil {
			return err
		}
		if _, err := os.Stat(serviceUnitPath); os.IsNotExist(err) {
			return fmt.Errorf("service not installed; run 'sudo breeze-updater service install' first")
		}
		if err := startSystemService(); err != nil {
			return err
		}
		fmt.Println("Breeze Updater service started.")
		fmt.Printf("Logs: %s\n", serviceLogHint)
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the updater service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("service stop"); err != nil {
			return err
		}
		if err := stopSystemService(); err != nil {
			return err
		}
		fmt.Println("Breeze Updater service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the updater service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(serviceUnitPath); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// A stopped service exits non-zero; the output is still the answer.
		out, _ := exec.Command(serviceStatusArgs[0], serviceStatusArgs[1:]...).CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}

func requireRoot(action string) error {
	return privilege.Require("breeze-updater " + action)
}

// installBinary copies the running executable to unixBinaryPath.
func installBinary() error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to determine executable path: %w", err)
	}
	exePath, err = filepath.EvalSymlinks(exePath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}
	if exePath == unixBinaryPath {
		return nil
	}
	data, err := os.ReadFile(exePath)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}
	if err := os.WriteFile(unixBinaryPath, data, 0o755); err != nil {
		return fmt.Errorf("failed to copy binary to %s: %w", unixBinaryPath, err)
	}
	fmt.Printf("Binary installed to %s\n", unixBinaryPath)
	return nil
}

// runTool runs an init-system command and folds its output into the error.
func runTool(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return nil
}
