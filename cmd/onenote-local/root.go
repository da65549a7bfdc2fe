package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	onenotelocal "github.com/shulgaalexey/onenote-local"
	"github.com/shulgaalexey/onenote-local/internal/bulk"
	"github.com/shulgaalexey/onenote-local/internal/config"
)

// cliState carries flags and the opened core between cobra hooks.
type cliState struct {
	configPath string
	cacheRoot  string
	userID     string
	logLevel   string

	core *onenotelocal.Core
}

func newRootCmd() *cobra.Command {
	st := &cliState{}

	root := &cobra.Command{
		Use:           "onenote-local",
		Short:         "Local cache and search for OneNote notebooks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&st.configPath, "config", "", "TOML config file")
	root.PersistentFlags().StringVar(&st.cacheRoot, "cache-root", "", "cache root directory")
	root.PersistentFlags().StringVar(&st.userID, "user", "", "user id")
	root.PersistentFlags().StringVar(&st.logLevel, "log-level", "", "debug, info, warn, or error")

	root.AddCommand(
		newSyncCmd(st),
		newIndexCmd(st),
		newSearchCmd(st),
		newStatusCmd(st),
		newGCCmd(st),
		newClearCmd(st),
	)

	return root
}

// openCore loads config, builds the logger, and opens the core.
func (st *cliState) openCore() (*onenotelocal.Core, error) {
	var (
		cfg *config.CoreConfig
		err error
	)

	if st.configPath != "" {
		cfg, err = config.Load(st.configPath, slog.Default())
		if err != nil {
			return nil, err
		}
	} else {
		cfg = onenotelocal.DefaultConfig()
	}

	if st.cacheRoot != "" {
		cfg.CacheRoot = st.cacheRoot
	}

	if st.userID != "" {
		cfg.UserID = st.userID
	}

	if st.logLevel != "" {
		cfg.LogLevel = st.logLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	core, err := onenotelocal.Open(cfg,
		onenotelocal.StaticToken(os.Getenv("ONENOTE_ACCESS_TOKEN")),
		&onenotelocal.Options{Logger: logger, Progress: progressPrinter()},
	)
	if err != nil {
		return nil, err
	}

	st.core = core

	return core, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM, giving
// long operations their cooperative cancellation signal.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// progressPrinter renders bulk progress: a rewriting line on a TTY,
// plain lines otherwise.
func progressPrinter() bulk.ProgressFunc {
	tty := isatty.IsTerminal(os.Stdout.Fd())

	return func(p bulk.Progress) {
		if tty {
			fmt.Printf("\r%s: %d/%d (%.1f/s, eta %s)   ", p.CurrentStage, p.Done, p.Total, p.Rate, p.ETA)

			if p.CurrentStage == "done" {
				fmt.Println()
			}

			return
		}

		fmt.Printf("%s: %d/%d\n", p.CurrentStage, p.Done, p.Total)
	}
}
