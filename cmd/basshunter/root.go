package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can swap it.
var newApp = buildApp

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "basshunter",
		Short: "Persistent task queue and capture workers for domain monitoring.",
		Long: `basshunter queues monitoring tasks for domains, captures each target with
headless Chrome or plain HTTP, stores the artifacts and hands completed tasks
to the analysis pipeline.`,
		SilenceUsage: true,

		// Builds the shared services once flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); BASSHUNTER_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newAddCmd(),
		newRecoverCmd(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "basshunter: %v\n", err)
		os.Exit(1)
	}
}

// withApp hands run the services built by PersistentPreRunE and closes them
// when run returns. cobra skips PersistentPostRun after a RunE error, so the
// close cannot live there.
func withApp(run func(cmd *cobra.Command, args []string, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()
		return run(cmd, args, appInstance)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
