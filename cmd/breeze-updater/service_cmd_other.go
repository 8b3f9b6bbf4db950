//go:build !linux && !darwin && !windows

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the updater system service",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Service management is not available on %s; run 'breeze-updater run' under your init system.\n", runtime.GOOS)
	},
}
