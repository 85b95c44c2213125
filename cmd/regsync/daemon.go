package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/regdesk/regsync/internal/daemon"
	"github.com/regdesk/regsync/internal/notify"
	"github.com/regdesk/regsync/internal/processor"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon probes server connectivity, flushes the queue when the
connection returns, honors sync requests registered by CLI commands, and
broadcasts queue events on a local WebSocket port. Typically managed by
a service supervisor.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client, sess := requireSession(cfg)

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if cfg.LogFile != "" && !daemonForeground {
			logger = log.New(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     30, // days
			}, "[daemon] ", log.LstdFlags)
		}

		store := openQueue(cfg)
		defer store.Close()

		proc := processor.New(store, client, &processor.Config{Logger: logger})

		events := notify.NewServer(&notify.Config{Port: cfg.NotifyPort, Logger: logger})
		if err := events.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting notify server: %v\n", err)
			os.Exit(1)
		}
		defer events.Stop()

		d, err := daemon.New(store, proc, client, events, &daemon.Config{
			StateDir:      cfg.StateDir,
			DropDir:       cfg.DropDir,
			OwnerID:       sess.Phone,
			ProbeInterval: cfg.ProbeInterval,
			Logger:        logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Sync daemon running (events on ws://%s/events)\n", events.Addr())
		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "Log to stderr instead of the log file")
}
