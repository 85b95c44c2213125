package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regdesk/regsync/internal/api"
	"github.com/regdesk/regsync/internal/processor"
	"github.com/regdesk/regsync/internal/record"
	"github.com/regdesk/regsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending offline operations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openQueue(cfg)
		defer store.Close()
		ctx := context.Background()

		records, err := store.ListAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			os.Exit(1)
		}

		if len(records) == 0 {
			fmt.Println("Queue is empty. All changes are synced.")
			return
		}

		fmt.Println(ui.Header.Render(fmt.Sprintf("Pending operations (%d)", len(records))))
		for _, rec := range records {
			switch rec.Kind {
			case record.KindDocumentUpload:
				fmt.Printf("  %s  upload      %s (%s)\n",
					ui.Faint.Render(rec.CreatedAt.Local().Format("2006-01-02 15:04")),
					rec.Document.Filename, rec.Document.DocumentType)
			case record.KindApplicationSubmission:
				fmt.Printf("  %s  application %s / %s\n",
					ui.Faint.Render(rec.CreatedAt.Local().Format("2006-01-02 15:04")),
					rec.Application.Company, rec.Application.Country)
			}
		}
		fmt.Println(ui.Faint.Render("Run 'regsync flush' to sync now."))
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver pending operations to the server now",
	Long: `Attempt one immediate batch delivery of the pending queue.

The whole queue is sent as a single batch and cleared only when the
server confirms it. On failure nothing is lost; the daemon keeps
retrying in the background.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client, _ := requireSession(cfg)
		store := openQueue(cfg)
		defer store.Close()
		ctx := context.Background()

		proc := processor.New(store, client, nil)
		res, err := proc.FlushNow(ctx)
		if err != nil {
			switch {
			case errors.Is(err, api.ErrAuthExpired):
				fmt.Fprintf(os.Stderr, "%s Session expired. Run 'regsync login' and flush again; nothing was lost.\n",
					ui.Error.Render("✗"))
			case errors.Is(err, api.ErrNetworkFailure):
				fmt.Fprintf(os.Stderr, "%s Server unreachable. The queue is preserved; the daemon will retry.\n",
					ui.Warn.Render("⏳"))
			default:
				fmt.Fprintf(os.Stderr, "%s Flush failed: %v\n", ui.Error.Render("✗"), err)
			}
			os.Exit(1)
		}

		switch res.Outcome {
		case processor.QueueEmpty:
			fmt.Println("Queue is empty. Nothing to sync.")
		case processor.FlushedBatch:
			fmt.Printf("%s Synced %d operation(s)\n", ui.Success.Render("✓"), res.Sent)
		case processor.Coalesced:
			fmt.Println("A sync is already in progress.")
		}
	},
}
