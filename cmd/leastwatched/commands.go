package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"leastwatched/internal/api"
	"leastwatched/internal/config"
	"leastwatched/internal/events"
	"leastwatched/internal/scheduler"
	"leastwatched/internal/server"
	"leastwatched/internal/storage"
)

type commandContext struct {
	configFlag string
	cfg        *config.Config
}

func (c *commandContext) load() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(config.Path(strings.TrimSpace(c.configFlag)))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "leastwatched",
		Short:         "Rank Sonarr and Radarr media by how safe it is to delete",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.load()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (default $"+config.EnvConfigPath+")")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newRescoreCommand(ctx))
	rootCmd.AddCommand(newScoresCommand(ctx))

	return rootCmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.load()
			logger := setupLogger(cfg.Logging)

			logger.Info().
				Str("version", api.Version).
				Msg("starting leastwatched")

			sigCtx, stop := signalContext()
			defer stop()

			app, err := newApplication(sigCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.recoverAbandonedRuns(sigCtx); err != nil {
				return err
			}
			app.events.Info(sigCtx, events.ComponentSystem, "leastwatched "+api.Version+" started")

			sched, err := scheduler.New(cfg.Pipeline.Schedule, app.processor.Start, logger)
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()

			var registry = app.metrics.Registry()
			if !cfg.Server.Metrics {
				registry = nil
			}
			handler := api.NewHandler(app.store, app.settings, app.processor, app.probe, app.events, logger)
			srv := server.New(cfg.Server, handler, registry, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
			case <-sigCtx.Done():
				logger.Info().Msg("received shutdown signal")
				if err := srv.Shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown error")
				}
			}

			logger.Info().Msg("server stopped")
			return nil
		},
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch, reconcile and score the library once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(ctx, false)
		},
	}
}

func newRescoreCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rescore",
		Short: "Recompute scores of stored items without contacting any server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(ctx, true)
		},
	}
}

func runOnce(ctx *commandContext, rescore bool) error {
	cfg, _ := ctx.load()
	logger := setupLogger(cfg.Logging)

	sigCtx, stop := signalContext()
	defer stop()

	app, err := newApplication(sigCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	start := time.Now()
	var id string
	if rescore {
		id, err = app.processor.Rescore(sigCtx)
	} else {
		id, err = app.processor.Run(sigCtx)
	}
	if err != nil {
		return err
	}

	count, err := app.store.CountMediaItems(sigCtx)
	if err != nil {
		return err
	}
	fmt.Printf("run %s finished in %s, %d items stored\n", id, time.Since(start).Round(time.Millisecond), count)
	return nil
}

func newScoresCommand(ctx *commandContext) *cobra.Command {
	var (
		limit     int
		mediaType string
	)

	cmd := &cobra.Command{
		Use:   "scores",
		Short: "List stored items by deletion score",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.load()

			filter := storage.MediaFilter{Limit: limit}
			switch t := storage.MediaType(mediaType); t {
			case "":
			case storage.MediaTypeMovie, storage.MediaTypeTV:
				filter.Type = t
			default:
				return fmt.Errorf("unknown type %q, want movie or tv", mediaType)
			}

			store, err := storage.NewSQLiteStorage(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.GetMediaItemsWithScores(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no media items stored, run `leastwatched run` first")
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderScores(items, isatty.IsTerminal(os.Stdout.Fd())))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "Maximum number of items to list (0 for all)")
	cmd.Flags().StringVarP(&mediaType, "type", "t", "", "Only list movie or tv items")

	return cmd
}

func renderScores(items []storage.MediaItem, rounded bool) string {
	tw := table.NewWriter()
	if rounded {
		tw.SetStyle(table.StyleRounded)
	}
	tw.AppendHeader(table.Row{"Score", "Title", "Type", "Size", "Last watched", "Source"})

	for _, it := range items {
		score := "-"
		if it.DeletionScore != nil {
			score = strconv.FormatFloat(*it.DeletionScore, 'f', 1, 64)
		}
		watched := "never"
		if it.LastWatched != nil {
			watched = humanize.Time(*it.LastWatched)
		}
		title := it.Title
		if it.Year != nil {
			title = fmt.Sprintf("%s (%d)", it.Title, *it.Year)
		}
		tw.AppendRow(table.Row{score, title, string(it.Type), humanize.IBytes(uint64(max(it.SizeOnDisk, 0))), watched, it.Source})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
