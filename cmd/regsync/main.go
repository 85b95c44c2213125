// Command regsync is the offline-first registration sync client.
//
// It queues document uploads and application submissions while offline,
// delivers them as a single idempotent batch when connectivity returns,
// and reconciles document status from server truth.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regdesk/regsync/internal/api"
	"github.com/regdesk/regsync/internal/config"
	"github.com/regdesk/regsync/internal/queue"
)

var rootCmd = &cobra.Command{
	Use:   "regsync",
	Short: "Offline-first business registration sync",
	Long: `regsync keeps business registration work moving without connectivity.

Uploads and application submissions made while offline are stored in a
durable local queue and delivered to the registration server as a single
batch when the connection returns. The background daemon (regsync daemon)
watches for connectivity and syncs on your behalf.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig resolves configuration or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openQueue opens the local queue store or exits.
func openQueue(cfg *config.Config) *queue.Store {
	store, err := queue.Open(cfg.QueuePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening local queue: %v\n", err)
		os.Exit(1)
	}
	return store
}

// newClient builds an API client carrying the stored session token, if any.
func newClient(cfg *config.Config) (*api.Client, *config.Session) {
	sess, err := config.LoadSession(cfg.SessionPath())
	if errors.Is(err, config.ErrNotLoggedIn) {
		return api.New(cfg.ServerURL, ""), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading session: %v\n", err)
		os.Exit(1)
	}
	return api.New(cfg.ServerURL, sess.Token), sess
}

// requireSession exits unless the user is logged in.
func requireSession(cfg *config.Config) (*api.Client, *config.Session) {
	client, sess := newClient(cfg)
	if sess == nil {
		fmt.Fprintf(os.Stderr, "Error: not logged in. Run 'regsync login' first.\n")
		os.Exit(1)
	}
	return client, sess
}
