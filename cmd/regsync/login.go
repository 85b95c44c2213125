package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/regdesk/regsync/internal/config"
	"github.com/regdesk/regsync/internal/ui"
)

var loginPhone string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the registration server",
	Long: `Authenticate with your phone number and PIN.

The session token is stored locally and shared with the background daemon
so queued work can be delivered on your behalf.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client, _ := newClient(cfg)

		phone := loginPhone
		if phone == "" {
			fmt.Print("Phone number: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading phone number: %v\n", err)
				os.Exit(1)
			}
			phone = strings.TrimSpace(line)
		}
		if phone == "" {
			fmt.Fprintf(os.Stderr, "Error: phone number is required\n")
			os.Exit(1)
		}

		fmt.Print("PIN: ")
		pinBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading PIN: %v\n", err)
			os.Exit(1)
		}

		login, err := client.Login(context.Background(), phone, string(pinBytes))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			os.Exit(1)
		}

		sess := &config.Session{Token: login.Token, Name: login.Name, Phone: login.Phone}
		if err := config.SaveSession(cfg.SessionPath(), sess); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving session: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Logged in as %s (%s)\n", ui.Success.Render("✓"), login.Name, login.Phone)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the stored session",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client, sess := newClient(cfg)

		if sess == nil {
			fmt.Println("Not logged in.")
			return
		}

		// Best effort server-side revocation; the local session is
		// cleared regardless.
		if err := client.Logout(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: server logout failed: %v\n", err)
		}

		if err := config.ClearSession(cfg.SessionPath()); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing session: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Logged out\n", ui.Success.Render("✓"))
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginPhone, "phone", "", "Phone number to log in with")
}
