package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finleyh/bass-hunter/internal/task"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the task store schema",
		Long: `Creates the queue tables for the configured backend. SQLite migrates on
open and the memory backend has no schema, so for those this only verifies the
store can be opened.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			if ensurer, ok := appInstance.Repository().(schemaEnsurer); ok {
				if err := ensurer.EnsureSchema(cmd.Context()); err != nil {
					return fmt.Errorf("ensure schema: %w", err)
				}
			}
			appInstance.Logger().Info("schema ready", zap.String("backend", appInstance.Config().DB.Backend))
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		}),
	}
}

func newAddCmd() *cobra.Command {
	var (
		priority int
		owner    string
		pkg      string
		tags     []string
		options  []string
	)
	cmd := &cobra.Command{
		Use:   "add <target>",
		Short: "Queue a task for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			id := appInstance.Queue().Add(cmd.Context(), task.NewTask{
				Target:   args[0],
				Package:  pkg,
				Options:  opts,
				Owner:    owner,
				Priority: priority,
				Tags:     tags,
			})
			if id == 0 {
				return fmt.Errorf("task for %q was not added", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added task %d\n", id)
			return nil
		}),
	}
	cmd.Flags().IntVar(&priority, "priority", task.DefaultPriority, "fetch priority; higher runs first")
	cmd.Flags().StringVar(&owner, "owner", "", "who queued the task")
	cmd.Flags().StringVar(&pkg, "package", "", "analysis category")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	cmd.Flags().StringArrayVar(&options, "option", nil, "key=value option (repeatable)")
	return cmd
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <task-id>",
		Short: "Move a failed task to recovered",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			if !appInstance.Queue().Recover(cmd.Context(), id) {
				return fmt.Errorf("task %d could not be recovered", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered task %d\n", id)
			return nil
		}),
	}
}

func parseOptions(raw []string) (map[string]string, error) {
	opts := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", kv)
		}
		opts[key] = strings.TrimSpace(value)
	}
	if err := task.ValidateOptions(opts); err != nil {
		return nil, err
	}
	return opts, nil
}
