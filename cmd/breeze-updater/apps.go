package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/updater/internal/registry"
	"github.com/breeze-rmm/updater/internal/service"
)

var (
	appName     string
	appVersion  string
	appBrand    string
	historySize int
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage the registered app list",
}

var appsAddCmd = &cobra.Command{
	Use:   "add <app-id>",
	Short: "Register an app or update its registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, store *registry.Store) error {
			app := registry.App{ID: args[0], Name: appName, CurrentVersion: appVersion, Brand: appBrand}
			if err := store.Register(ctx, app); err != nil {
				return err
			}
			fmt.Printf("Registered %s\n", app.ID)
			return nil
		})
	},
}

var appsRemoveCmd = &cobra.Command{
	Use:     "remove <app-id>",
	Aliases: []string{"rm"},
	Short:   "Unregister an app",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, store *registry.Store) error {
			if err := store.Unregister(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Unregistered %s\n", args[0])
			return nil
		})
	},
}

var appsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered apps",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, store *registry.Store) error {
			apps, err := store.List(ctx)
			if err != nil {
				return err
			}
			return printApps(apps)
		})
	},
}

var appsHistoryCmd = &cobra.Command{
	Use:   "history <app-id>",
	Short: "Show the recorded update outcomes of an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, store *registry.Store) error {
			outcomes, err := store.History(ctx, args[0], historySize)
			if err != nil {
				return err
			}
			return printHistory(outcomes)
		})
	},
}

// appsFile is the import format:
//
//	apps:
//	  - app_id: com.example.editor
//	    name: Editor
//	    current_version: 1.2.0
type appsFile struct {
	Apps []registry.App `yaml:"apps"`
}

var appsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Register every app listed in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var file appsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		if len(file.Apps) == 0 {
			return fmt.Errorf("%s lists no apps", args[0])
		}
		return withRegistry(cmd.Context(), func(ctx context.Context, store *registry.Store) error {
			var result *multierror.Error
			imported := 0
			for _, app := range file.Apps {
				if err := store.Register(ctx, app); err != nil {
					result = multierror.Append(result, fmt.Errorf("%s: %w", app.ID, err))
					continue
				}
				imported++
			}
			fmt.Printf("Imported %d of %d apps\n", imported, len(file.Apps))
			return result.ErrorOrNil()
		})
	},
}

func init() {
	appsAddCmd.Flags().StringVar(&appName, "name", "", "display name")
	appsAddCmd.Flags().StringVar(&appVersion, "version", "", "currently installed version")
	appsAddCmd.Flags().StringVar(&appBrand, "brand", "", "brand code reported to the update server")
	appsHistoryCmd.Flags().IntVarP(&historySize, "limit", "n", 20, "number of outcomes to show")

	appsCmd.AddCommand(appsAddCmd, appsRemoveCmd, appsListCmd, appsHistoryCmd, appsImportCmd)
	rootCmd.AddCommand(appsCmd)
}

// withRegistry opens the registry in the configured data directory. SQLite
// serializes writers, so this is safe while the service runs.
func withRegistry(ctx context.Context, fn func(context.Context, *registry.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := registry.Open(filepath.Join(dataDir, service.RegistryFile))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
