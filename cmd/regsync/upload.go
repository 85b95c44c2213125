package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/regdesk/regsync/internal/api"
	"github.com/regdesk/regsync/internal/record"
	"github.com/regdesk/regsync/internal/trigger"
	"github.com/regdesk/regsync/internal/ui"
)

var (
	uploadType    string
	uploadExpires string
	uploadQueued  bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an identity document",
	Long: `Upload an identity document to the registration server.

Online, the document is uploaded directly. Offline (or with --queue), it
is stored in the local queue and delivered by the next sync; the daemon
is asked to retry the moment connectivity returns.

The expiry can be given in natural language:

  regsync upload passport.pdf --type passport --expires "in 90 days"
  regsync upload permit.png --type work_permit --expires "next june"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client, sess := requireSession(cfg)
		ctx := context.Background()

		path := args[0]
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			os.Exit(1)
		}

		expiryDays, err := parseExpiry(uploadExpires)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		filename := filepath.Base(path)

		// Direct path when the server is reachable.
		if !uploadQueued && client.Health(ctx) {
			err := client.UploadDocument(ctx, filename, uploadType, content, expiryDays)
			if err == nil {
				fmt.Printf("%s Uploaded %s (%s)\n", ui.Success.Render("✓"), filename, uploadType)
				return
			}
			if !errors.Is(err, api.ErrNetworkFailure) {
				fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
				os.Exit(1)
			}
			// The server disappeared between probe and upload; fall
			// through to the queue.
		}

		store := openQueue(cfg)
		defer store.Close()

		mimeType := mime.TypeByExtension(filepath.Ext(filename))
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = mimeType[:i]
		}

		rec := record.NewDocumentUpload(sess.Phone, filename, uploadType, mimeType, content, expiryDays)
		if err := store.Enqueue(ctx, rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not queue upload: %v\n", err)
			os.Exit(1)
		}
		if err := trigger.RegisterWake(cfg.StateDir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not request background sync: %v\n", err)
		}

		count, _ := store.Count(ctx)
		fmt.Printf("%s Offline: queued %s for upload (%d pending)\n",
			ui.Warn.Render("⏳"), filename, count)
		fmt.Println(ui.Faint.Render("It will sync automatically when you're back online."))
	},
}

// parseExpiry turns an --expires value into days from now. Accepts a
// plain day count or a natural-language date. Empty means no expiry.
func parseExpiry(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if days, err := strconv.Atoi(s); err == nil {
		if days < 0 {
			return 0, fmt.Errorf("expiry must not be in the past")
		}
		return days, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	now := time.Now()
	r, err := w.Parse(s, now)
	if err != nil || r == nil {
		return 0, fmt.Errorf("could not understand expiry %q", s)
	}

	days := int(math.Ceil(r.Time.Sub(now).Hours() / 24))
	if days < 0 {
		return 0, fmt.Errorf("expiry %q is in the past", s)
	}
	return days, nil
}

func init() {
	uploadCmd.Flags().StringVar(&uploadType, "type", "", "Document type (passport, national_id, ...)")
	uploadCmd.Flags().StringVar(&uploadExpires, "expires", "", "Expiry as days or natural language (\"in 90 days\")")
	uploadCmd.Flags().BoolVar(&uploadQueued, "queue", false, "Queue without attempting a direct upload")
	_ = uploadCmd.MarkFlagRequired("type")
}
