// Package cmd wires the command surface: download, upload, migrate, and the
// read-only inspection commands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arefed/slackmigrate/internal/archive"
	"github.com/arefed/slackmigrate/internal/config"
	"github.com/arefed/slackmigrate/internal/download"
	"github.com/arefed/slackmigrate/internal/files"
	"github.com/arefed/slackmigrate/internal/ledger"
	"github.com/arefed/slackmigrate/internal/migrate"
	"github.com/arefed/slackmigrate/internal/slack"
)

var (
	cfgPath string
	verbose bool

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "slackmigrate",
	Short: "Migrate Slack workspace history between workspaces",
	Long: `Slackmigrate downloads the full message history of a Slack workspace into a
resumable on-disk archive and re-posts it into another workspace, preserving
threads, attachments, reactions, and original authorship in the rendered name.

Credentials come from the config file or from the SLACK_SOURCE_TOKEN,
SLACK_DEST_TOKEN, and SLACK_ADMIN_TOKEN environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}

		return nil
	},
}

// Execute runs the root command with interrupt-aware cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to INI config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func openArchive() (*archive.Archive, error) {
	return archive.Open(cfg.OutputDir)
}

func sourceClient() *slack.Client {
	return slack.NewClient(cfg.SourceToken, slack.ClientOptions{
		Logger:       logger,
		MaxRetries:   cfg.MaxRetries,
		DefaultDelay: cfg.RateLimitDelay,
	})
}

func destClient() *slack.Client {
	return slack.NewClient(cfg.DestToken, slack.ClientOptions{
		Logger:       logger,
		MaxRetries:   cfg.MaxRetries,
		DefaultDelay: cfg.RateLimitDelay,
	})
}

// newMigrator assembles the full pipeline. The destination client and the
// ledger are only dialed up when a command actually posts.
func newMigrator(needDest bool) (*migrate.Migrator, func(), error) {
	arch, err := openArchive()
	if err != nil {
		return nil, nil, err
	}

	source := sourceClient()
	transfer := files.NewTransfer(cfg.SourceToken, files.TransferOptions{Logger: logger})
	dl := download.New(source, arch, transfer, download.Options{Logger: logger})

	var (
		dest *slack.Client
		lg   ledger.Store
	)

	cleanup := func() {}

	if needDest {
		if err := cfg.ValidateUpload(); err != nil {
			return nil, nil, err
		}

		dest = destClient()

		if lg, err = ledger.Open(filepath.Join(cfg.OutputDir, "upload_ledger.db")); err != nil {
			return nil, nil, err
		}

		cleanup = func() { _ = lg.Close() }
	}

	m := migrate.New(source, dest, arch, dl, transfer, lg, migrate.Options{
		Location: cfg.Location(),
		Logger:   logger,
	})

	return m, cleanup, nil
}

func requireSource() error {
	if err := cfg.ValidateDownload(); err != nil {
		return fmt.Errorf("source credential missing: %w", err)
	}

	return nil
}
