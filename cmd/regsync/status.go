package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regdesk/regsync/internal/api"
	"github.com/regdesk/regsync/internal/status"
	"github.com/regdesk/regsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document status and sync state",
	Long: `Show the authoritative state of your documents and the local queue.

Document status always comes from the server; queued-but-unsynced uploads
are listed separately as pending, never shown as if they were confirmed.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client, _ := requireSession(cfg)
		store := openQueue(cfg)
		defer store.Close()
		ctx := context.Background()

		pending, err := store.Count(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		if !client.Health(ctx) {
			fmt.Printf("%s Offline — document status unavailable\n", ui.Warn.Render("⏳"))
			if pending > 0 {
				fmt.Printf("  %d operation(s) queued for sync\n", pending)
			}
			return
		}

		rec := status.NewReconciler(client)
		statuses, err := rec.Refresh(ctx)
		if err != nil {
			if errors.Is(err, api.ErrAuthExpired) {
				fmt.Fprintf(os.Stderr, "Session expired. Run 'regsync login'.\n")
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Error fetching document status: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.Header.Render("Documents"))
		if len(statuses) == 0 {
			fmt.Println("  none uploaded yet")
		}
		for _, s := range statuses {
			line := fmt.Sprintf("  %-10s %s (%s)", ui.ExpiryBadge(s.State), s.Filename, s.DocumentType)
			switch {
			case !s.HasExpiry:
				line += ui.Faint.Render("  no expiry")
			case s.State == status.StateExpired:
				line += ui.Faint.Render(fmt.Sprintf("  expired %d day(s) ago", -s.DaysUntilExpiry))
			default:
				line += ui.Faint.Render(fmt.Sprintf("  %d day(s) left", s.DaysUntilExpiry))
			}
			fmt.Println(line)
		}

		apps, err := client.Applications(ctx)
		if err == nil && len(apps) > 0 {
			fmt.Println(ui.Header.Render("Applications"))
			for _, a := range apps {
				fmt.Printf("  %-10s %s / %s  %s\n", a.Status, a.Company, a.Country,
					ui.Faint.Render(a.CreatedAt.Local().Format("2006-01-02")))
			}
		}

		if pending > 0 {
			fmt.Printf("\n%s %d operation(s) pending sync — run 'regsync flush'\n",
				ui.Warn.Render("⏳"), pending)
		} else {
			fmt.Printf("\n%s All changes synced\n", ui.Success.Render("✓"))
		}
	},
}
