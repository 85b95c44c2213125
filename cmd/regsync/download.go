package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/regdesk/regsync/internal/ui"
)

var downloadOut string

var downloadCmd = &cobra.Command{
	Use:   "download <document-type>",
	Short: "Download the stored copy of a document",
	Long: `Fetch the server's stored copy of your active document of the given
type, e.g. 'regsync download passport'. Requires connectivity; queued
uploads that have not synced yet cannot be downloaded.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		documentType := args[0]
		cfg := loadConfig()
		client, _ := requireSession(cfg)
		ctx := context.Background()

		docs, err := client.Documents(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing documents: %v\n", err)
			os.Exit(1)
		}

		var id int64 = -1
		for _, d := range docs {
			if d.DocumentType == documentType {
				id = d.ID
				break
			}
		}
		if id < 0 {
			fmt.Fprintf(os.Stderr, "Error: no active %s document on the server\n", documentType)
			os.Exit(1)
		}

		file, err := client.DownloadDocument(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error downloading document: %v\n", err)
			os.Exit(1)
		}

		out := downloadOut
		if out == "" {
			out = filepath.Base(file.Filename)
		}
		if err := os.WriteFile(out, file.Content, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", out, err)
			os.Exit(1)
		}

		fmt.Printf("%s Saved %s (%d bytes)\n", ui.Success.Render("✓"), out, len(file.Content))
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "Output path (default: the stored filename)")
}
