// Command yieldctl is the operator CLI for the distribution engine HTTP API.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	server string
	output string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "yieldctl",
		Short:         "Operate the yield distribution engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "json", "yaml":
				return nil
			}
			return fmt.Errorf("unsupported output format %q (json or yaml)", opts.output)
		},
	}

	server := os.Getenv("YIELDCTL_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "Distribution engine base URL")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "Output format (json, yaml)")

	rootCmd.AddCommand(triggerCmd(opts))
	rootCmd.AddCommand(batchCmd(opts))
	rootCmd.AddCommand(batchesCmd(opts))
	rootCmd.AddCommand(statsCmd(opts))
	rootCmd.AddCommand(failedCmd(opts))
	rootCmd.AddCommand(retryCmd(opts))
	return rootCmd
}

func triggerCmd(opts *options) *cobra.Command {
	var positions []string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run a manual distribution batch",
		Long: `Run a manual distribution batch and wait for its primary pass.
Without --positions every active position is included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res manualResult
			body := map[string][]string{"position_ids": positions}
			if err := newClient(opts.server).do(cmd.Context(), "POST", "/api/v1/distributions/manual", body, &res); err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), opts.output, res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("distribution did not complete: %s", res.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&positions, "positions", "p", nil, "Comma-separated position ids")
	return cmd
}

func batchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "batch [id]",
		Short: "Show one distribution batch with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var batch map[string]any
			path := "/api/v1/distributions/batches/" + args[0]
			if err := newClient(opts.server).do(cmd.Context(), "GET", path, nil, &batch); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, batch)
		},
	}
}

func batchesCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List recent distribution batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			var batches []map[string]any
			path := fmt.Sprintf("/api/v1/distributions/batches?limit=%d", limit)
			if err := newClient(opts.server).do(cmd.Context(), "GET", path, nil, &batches); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, batches)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum batches")
	return cmd
}

func statsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate distribution statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]any
			if err := newClient(opts.server).do(cmd.Context(), "GET", "/api/v1/distributions/stats", nil, &stats); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, stats)
		},
	}
}

func failedCmd(opts *options) *cobra.Command {
	var batchID string
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed distribution tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := fmt.Sprintf("?limit=%d", limit)
			if batchID = strings.TrimSpace(batchID); batchID != "" {
				q += "&batch_id=" + batchID
			}
			var tasks []map[string]any
			if err := newClient(opts.server).do(cmd.Context(), "GET", "/api/v1/distributions/failed-tasks"+q, nil, &tasks); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, tasks)
		},
	}
	cmd.Flags().StringVarP(&batchID, "batch", "b", "", "Restrict to one batch id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum tasks")
	return cmd
}

func retryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id]",
		Short: "Queue every failed task of a batch for retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res retryResult
			path := "/api/v1/distributions/batches/" + args[0] + "/retry"
			if err := newClient(opts.server).do(cmd.Context(), "POST", path, nil, &res); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, res)
		},
	}
}
