package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/attendance-tracker/internal/apikey"
	"github.com/example/attendance-tracker/internal/config"
	"github.com/example/attendance-tracker/internal/logging"
	"github.com/example/attendance-tracker/internal/persistence/sqlite"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

type rootOptions struct {
	ConfigPath string
	EnvFile    string

	cfg    config.Config
	logger *slog.Logger
}

// newRootCommand builds the CLI. Log output goes to stderr so command
// output on stdout stays machine readable.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "attendance",
		Short:         "Attendance and participation reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["config"] == "skip" {
				return nil
			}
			return opts.load(stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading ATTENDANCE_* variables")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newHashKeyCommand())

	return cmd
}

// load reads the dotenv file, then the configuration, then builds the logger.
// A missing dotenv file is not an error.
func (o *rootOptions) load(stderr io.Writer) error {
	if o.EnvFile != "" {
		if err := godotenv.Load(o.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.EnvFile, err)
		}
	}

	var err error
	if o.ConfigPath != "" {
		o.cfg, err = config.LoadFile(o.ConfigPath)
	} else {
		o.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(o.cfg.Log.Level)
	if err != nil {
		return err
	}
	o.logger = logging.New(stderr, level, o.cfg.Log.Format)
	return nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, ingestion pipeline and sync queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	logger := opts.logger
	a, err := buildApp(ctx, opts.cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	restored, err := a.service.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore active session: %w", err)
	}
	if restored {
		if session, ok := a.service.ActiveSession(); ok {
			logger.InfoContext(ctx, "resumed active session", "session_id", session.ID)
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.cfg.HTTP.Port),
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- a.engine.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("attendance API listening", "addr", server.Addr)
	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	// The engine stops only once ctx is cancelled; a listener failure ends the
	// process without waiting for it.
	if serveErr == nil {
		if err := <-engineDone; err != nil {
			logger.Error("engine stopped with error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.cfg.Queue.DrainGrace.D()+5*time.Second)
	defer cancel()
	if err := a.engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", "error", err)
	}
	return serveErr
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts, cmd.OutOrStdout(), statusOnly)
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "only report applied and pending migrations")
	return cmd
}

func runMigrate(ctx context.Context, opts *rootOptions, out io.Writer, statusOnly bool) error {
	storage, err := openStorageOnly(opts)
	if err != nil {
		return err
	}
	defer storage.Close()

	if !statusOnly {
		applied, err := storage.Migrate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "applied %d migration(s)\n", applied)
	}

	status, err := storage.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	current := status.CurrentVersion
	if current == "" {
		current = "none"
	}
	fmt.Fprintf(out, "current version: %s\n", current)
	for _, m := range status.Pending {
		fmt.Fprintf(out, "pending: %s %s\n", m.Version, m.Description)
	}
	return nil
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and operate the sync queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue totals and items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), opts, func(ctx context.Context, q *syncqueue.Queue) error {
				return printQueue(ctx, cmd.OutOrStdout(), q)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Run one delivery pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), opts, func(ctx context.Context, q *syncqueue.Queue) error {
				res, err := q.ProcessQueue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered=%d failed=%d deferred=%d\n", res.Delivered, res.Failed, res.Deferred)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <item-id>",
		Short: "Reset an item's attempts so the next pass sends it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), opts, func(ctx context.Context, q *syncqueue.Queue) error {
				item, err := q.RetryItem(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset (%s)\n", item.ID, item.Kind)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <item-id>",
		Short: "Delete an item without delivering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), opts, func(ctx context.Context, q *syncqueue.Queue) error {
				if err := q.Remove(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func openStorageOnly(opts *rootOptions) (*sqlite.Storage, error) {
	return sqlite.Open(storageConfig(opts.cfg), opts.logger)
}

func withQueue(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, q *syncqueue.Queue) error) error {
	a, err := buildApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.queue.Wait()
	return fn(ctx, a.queue)
}

func printQueue(ctx context.Context, out io.Writer, q *syncqueue.Queue) error {
	status, err := q.Status(ctx)
	if err != nil {
		return err
	}
	items, err := q.List(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "total=%d pending=%d retrying=%d failed=%d abandoned=%d\n",
		status.Total, status.Pending, status.Retrying, status.Failed, status.Abandoned)
	maxAttempts := q.Config().MaxAttempts
	for _, item := range items {
		lastErr := ""
		if item.LastError != nil {
			lastErr = " " + strings.TrimSpace(*item.LastError)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\tattempts=%d%s\n", item.ID, item.Kind, item.State(maxAttempts), item.Attempts, lastErr)
	}
	return nil
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "hash-key [key]",
		Short:       "Hash an API key for ATTENDANCE_API_KEY_HASH, generating one when omitted",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{"config": "skip"},
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				generated, err := apikey.Generate(32)
				if err != nil {
					return err
				}
				key = generated
				fmt.Fprintf(cmd.OutOrStdout(), "key: %s\n", key)
			}
			hash, err := apikey.Hash(key, apikey.DefaultParams)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hash: %s\n", hash)
			return nil
		},
	}
}
