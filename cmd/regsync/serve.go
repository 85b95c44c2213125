package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/regdesk/regsync/internal/server"
)

var (
	servePort     int
	serveDB       string
	serveRegistry string
	serveSecret   string
	serveSeedUser string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registration server",
	Long: `Run the registration backend.

The server owns authoritative user, document, and application state and
exposes the batch endpoint the sync engine delivers to. Batches are
applied transactionally and deduplicated by record ID, so at-least-once
delivery from clients is safe.`,
	Run: func(cmd *cobra.Command, args []string) {
		if serveSecret == "" {
			serveSecret = os.Getenv("REGSYNC_JWT_SECRET")
		}
		if serveSecret == "" {
			fmt.Fprintf(os.Stderr, "Error: a JWT secret is required (--secret or REGSYNC_JWT_SECRET)\n")
			os.Exit(1)
		}

		store, err := server.OpenStore(serveDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening server database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		if serveSeedUser != "" {
			parts := strings.SplitN(serveSeedUser, ":", 3)
			if len(parts) != 3 {
				fmt.Fprintf(os.Stderr, "Error: --seed-user must be phone:pin:name\n")
				os.Exit(1)
			}
			if _, err := store.CreateUser(context.Background(), parts[0], parts[1], parts[2]); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not seed user: %v\n", err)
			} else {
				fmt.Printf("Seeded user %s\n", parts[0])
			}
		}

		srv, err := server.NewServer(store, &server.Config{
			Port:         servePort,
			JWTSecret:    []byte(serveSecret),
			RegistryPath: serveRegistry,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
			os.Exit(1)
		}

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registration server listening on %s\n", srv.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8787, "Port to listen on")
	serveCmd.Flags().StringVar(&serveDB, "db", "regsync-server.db", "Server database path")
	serveCmd.Flags().StringVar(&serveRegistry, "registry", "", "Regulatory body registry YAML file")
	serveCmd.Flags().StringVar(&serveSecret, "secret", "", "JWT signing secret")
	serveCmd.Flags().StringVar(&serveSeedUser, "seed-user", "", "Create a user at startup (phone:pin:name)")
}
