package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dozorro/dzsyncd/internal/config"
	"github.com/dozorro/dzsyncd/internal/daemon"
	"github.com/dozorro/dzsyncd/internal/engine"
	"github.com/dozorro/dzsyncd/internal/feed"
	"github.com/dozorro/dzsyncd/internal/signing"
	"github.com/dozorro/dzsyncd/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "dzsyncd",
	Short: "Synchronization daemon for the central tender-document feed",
	Long: `dzsyncd keeps a local SQLite record store in sync with the remote
append-only feed service. Locally created records are canonicalized,
content-addressed, ed25519-signed and pushed to the remote; new remote
objects are paged, fetched and stored locally.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <config-file>",
	Short: "Start the sync daemon (foreground)",
	Long: `Start the daemon loop with settings from the given configuration file.

Each cycle pushes pending local records to the remote, then pulls one feed
page and stores objects not yet known locally. The daemon exits cleanly on
SIGINT or SIGTERM, finishing the in-flight cycle first.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <config-file>",
	Short: "Show local store status",
	Long:  `Display the record counts of the local store named by the configuration file.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := status(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logOut := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		logOut = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}

	ring, err := loadKeys(cfg)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}

	db, err := store.Open(cfg.DBPath, cfg.DBTable)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.InitSchema(context.Background()); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}

	eng := engine.New(
		feed.New(cfg.APIURL),
		db,
		signing.NewSigner(ring),
		log.New(logOut, "[engine] ", log.LstdFlags),
	)
	eng.SetFeedLimit(cfg.FeedLimit)

	d, err := daemon.New(eng, &daemon.Config{
		PollInterval: cfg.PollInterval,
		IdleInterval: cfg.IdleInterval,
		PidFile:      cfg.PidFile,
		Logger:       log.New(logOut, "[daemon] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func loadKeys(cfg *config.Config) (*signing.KeyRing, error) {
	if cfg.KeyRing != "" {
		return signing.LoadRing(cfg.KeyRing)
	}
	return signing.Load(cfg.KeyName, cfg.KeyFile)
}

func status(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath, cfg.DBTable)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.InitSchema(context.Background()); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}

	total, pending, err := db.Counts(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Store: %s\n", cfg.DBPath)
	fmt.Printf("Records: %d\n", total)
	fmt.Printf("Pending: %d\n", pending)
	return nil
}
