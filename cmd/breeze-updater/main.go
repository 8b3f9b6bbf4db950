package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/updater/internal/config"
	"github.com/breeze-rmm/updater/internal/logging"
)

var (
	version     = "0.1.0"
	cfgFile     string
	controlAddr string
	output      string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "breeze-updater",
	Short: "Breeze background software updater",
	Long: `breeze-updater keeps registered applications up to date. "run" starts the
long-lived service; the other commands talk to it over the local control socket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Client commands keep stdout for their own output.
		logging.Init("text", "warn", os.Stderr)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Updater v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.ConfigDir()+"/"+config.FileName+")")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control", "", "control socket address (overrides control_socket)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if isWindowsService() {
		if err := runAsService(startService); err != nil {
			log.Error("service failed", logging.KeyError, err)
			os.Exit(1)
		}
		return
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
