package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "apisync: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "apisync",
		Short:         "Archive third-party API data to JSON files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file (TOML)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run <integration> [endpoint]",
		Short: "Process due queue entries, or fetch one endpoint on demand",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			return a.run(cmd.Context(), args[0], name)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "historic <integration>",
		Short: "Seed historic backfill entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			added, err := a.seedHistoric(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d historic entries\n", added)
			return nil
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "queue <integration>",
		Short: "Print the queue as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return a.printQueue(args[0], cmd.OutOrStdout())
		},
	})

	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs <integration> [run-id]",
		Short: "Print recorded runs from the stats database as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			runID := ""
			if len(args) == 2 {
				runID = args[1]
			}
			return a.printRuns(args[0], runID, limit, cmd.OutOrStdout())
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	rootCmd.AddCommand(runsCmd)

	return rootCmd
}
