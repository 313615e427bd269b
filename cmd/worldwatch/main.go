// Command worldwatch runs the world-state dispatch daemon and its offline
// helpers.
//
// Usage:
//
//	worldwatch run --config /etc/worldwatch/config.yaml
//	worldwatch seen pc
//	worldwatch classify pc ./snapshot.json
//	worldwatch compact
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"worldwatch/internal/app"
	logx "worldwatch/pkg/logx"
)

const envConfig = "WORLDWATCH_CONFIG"

func main() {
	// Secrets may come from a local .env; real environment wins.
	_ = godotenv.Load(".env")

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "worldwatch",
		Short:        "World-state dedup and dispatch engine",
		SilenceUsage: true,
	}
	def := os.Getenv(envConfig)
	if def == "" {
		def = "./config.yaml"
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", def, "path to config (json, yaml or toml); env "+envConfig)

	root.AddCommand(runCmd(&cfgPath), seenCmd(&cfgPath), classifyCmd(&cfgPath), compactCmd(&cfgPath))
	return root
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			// a.Done also fires on a signal since the app context derives from ctx.
			reason := app.StopSIGTERM
			if ctx.Err() == nil {
				reason = app.StopFatalError
			}
			runErr := a.Err()

			sctx, scancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer scancel()
			if err := a.Stop(sctx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return errors.Join(errors.New("stopped on fatal error"), runErr)
			}
			return nil
		},
	}
}

func seenCmd(cfgPath *string) *cobra.Command {
	var shard string
	cmd := &cobra.Command{
		Use:   "seen <platform>",
		Short: "Print the committed ids for a platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tr, cfg, err := app.OpenTracker(ctx, *cfgPath, logx.Nop())
			if err != nil {
				return err
			}
			defer tr.Close()
			if shard == "" {
				shard = cfg.Dispatch.ShardID
			}
			ids, err := tr.IDsSeen(ctx, args[0], shard)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s shard %s: %d ids\n", args[0], shard, ids.Len())
			for _, id := range ids.Slice() {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&shard, "shard", "", "shard id (default: dispatch.shard_id)")
	return cmd
}

func classifyCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <platform> <snapshot.json>",
		Short: "Show what a cycle would send for a snapshot, without committing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := app.Preview(cmd.Context(), *cfgPath, args[0], args[1], time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "nothing new")
				return nil
			}
			for i, m := range msgs {
				if i > 0 {
					fmt.Fprintln(out, strings.Repeat("-", 40))
				}
				fmt.Fprintln(out, m.Text())
			}
			return nil
		},
	}
}

func compactCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the configured tracker once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.CompactNow(cmd.Context(), *cfgPath, logx.NewConsole("info"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compacted in %s\n", st.LastTook.Round(time.Millisecond))
			return nil
		},
	}
}
