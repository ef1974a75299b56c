// Command logeion operates an event log instance: schema migration, index
// rebuilds, run statistics, live tailing, and destructive wipes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lirancohen/logeion/eventlog"
	"github.com/lirancohen/logeion/instance"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:   "logeion",
		Short: "Operate a logeion event log instance",
		Long:  "Logeion stores run event histories. This CLI manages the configured backend: migrations, index rebuilds, stats, tailing, and wipes.",
	}
	rootCmd.PersistentFlags().String("config", "", "Instance config file (defaults to an in-memory backend when absent)")

	openStore := func(cmd *cobra.Command) (eventlog.Store, error) {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := instance.Load(path)
		if err != nil {
			return nil, err
		}
		return cfg.OpenEventLog(cmd.Context(), logger)
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations for the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Upgrade(cmd.Context()); err != nil {
				return fmt.Errorf("upgrade schema: %w", err)
			}
			version, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			if version == "" {
				version = "none"
			}
			fmt.Println("schema version:", version)
			return nil
		},
	}
	rootCmd.AddCommand(migrateCmd)

	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the asset index and event metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			eventsOnly, _ := cmd.Flags().GetBool("events")
			assetsOnly, _ := cmd.Flags().GetBool("assets")
			if eventsOnly && assetsOnly {
				return errors.New("--events and --assets are mutually exclusive; pass neither to rebuild both")
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			// Each rebuild serializes inside the store.
			g, ctx := errgroup.WithContext(cmd.Context())
			if !assetsOnly {
				g.Go(func() error { return store.ReindexEvents(ctx, force) })
			}
			if !eventsOnly {
				g.Go(func() error { return store.ReindexAssets(ctx, force) })
			}
			if err := g.Wait(); err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			fmt.Println("reindex complete")
			return nil
		},
	}
	reindexCmd.Flags().Bool("force", false, "Rebuild even when a completed rebuild marker exists")
	reindexCmd.Flags().Bool("events", false, "Rebuild only event metadata")
	reindexCmd.Flags().Bool("assets", false, "Rebuild only the asset index")
	rootCmd.AddCommand(reindexCmd)

	statsCmd := &cobra.Command{
		Use:   "stats <run-id>",
		Short: "Print run statistics as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetBool("steps")

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var out any
			if steps {
				out, err = store.GetStepStatsForRun(cmd.Context(), args[0], nil)
			} else {
				out, err = store.GetStatsForRun(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
	statsCmd.Flags().Bool("steps", false, "Print per-step statistics instead of the run summary")
	rootCmd.AddCommand(statsCmd)

	tailCmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Stream a run's records as they are appended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cursor, _ := cmd.Flags().GetString("cursor")

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(os.Stdout)
			sub, err := store.Watch(args[0], cursor, func(rec eventlog.StorageRecord) {
				if err := enc.Encode(rec); err != nil {
					logger.Error("encode record", "storage_id", rec.StorageID, "error", err)
				}
			})
			if err != nil {
				return fmt.Errorf("watch run: %w", err)
			}
			<-ctx.Done()
			store.EndWatch(args[0], sub)
			return nil
		},
	}
	tailCmd.Flags().String("cursor", "", "Resume from a storage-id or offset cursor")
	rootCmd.AddCommand(tailCmd)

	wipeCmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete event history (destructive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			assetKey, _ := cmd.Flags().GetString("asset")
			all, _ := cmd.Flags().GetBool("all")
			yes, _ := cmd.Flags().GetBool("yes")

			targets := 0
			if runID != "" {
				targets++
			}
			if assetKey != "" {
				targets++
			}
			if all {
				targets++
			}
			if targets != 1 {
				return errors.New("pass exactly one of --run, --asset, or --all")
			}
			if !yes {
				return errors.New("wipe is destructive; confirm with --yes")
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			switch {
			case runID != "":
				if err := store.DeleteEvents(ctx, runID); err != nil {
					return err
				}
				fmt.Println("deleted events for run", runID)
			case assetKey != "":
				if err := store.WipeAsset(ctx, eventlog.AssetKey(assetKey)); err != nil {
					return err
				}
				fmt.Println("wiped asset", assetKey)
			default:
				if err := store.Wipe(ctx); err != nil {
					return err
				}
				fmt.Println("wiped event log")
			}
			return nil
		},
	}
	wipeCmd.Flags().String("run", "", "Delete all events for this run id")
	wipeCmd.Flags().String("asset", "", "Wipe this asset key from the index")
	wipeCmd.Flags().Bool("all", false, "Wipe all events, assets, and rebuild markers")
	wipeCmd.Flags().Bool("yes", false, "Confirm the destructive operation")
	rootCmd.AddCommand(wipeCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the configured backend's schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			version, err := store.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}
			if version == "" {
				version = "none"
			}
			fmt.Printf("persistent: %v\nschema version: %s\n", store.IsPersistent(), version)
			return nil
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
