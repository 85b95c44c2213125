package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/regdesk/regsync/internal/api"
	"github.com/regdesk/regsync/internal/record"
	"github.com/regdesk/regsync/internal/trigger"
	"github.com/regdesk/regsync/internal/ui"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit a business registration application",
	Long: `Fill in and submit a registration application.

The regulatory body list comes from the server when reachable. Offline,
the submission is queued and delivered by the next sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		client, sess := requireSession(cfg)
		ctx := context.Background()

		online := client.Health(ctx)

		// Authority options come from the server registry when we can
		// get them; otherwise free-form entry.
		var bodyOptions []huh.Option[string]
		if online {
			if bodies, err := client.RegulatoryBodies(ctx); err == nil {
				for _, b := range bodies {
					label := fmt.Sprintf("%s (%s)", b.Name, b.Country)
					bodyOptions = append(bodyOptions, huh.NewOption(label, b.Code))
				}
			}
		}

		var company, country, fullName, businessName string
		fields := []huh.Field{}

		if len(bodyOptions) > 0 {
			fields = append(fields,
				huh.NewSelect[string]().
					Title("Regulatory body").
					Options(bodyOptions...).
					Value(&company))
		} else {
			fields = append(fields,
				huh.NewInput().
					Title("Regulatory body code").
					Placeholder("cac").
					Value(&company))
		}
		fields = append(fields,
			huh.NewInput().
				Title("Country code").
				Placeholder("ng").
				Value(&country),
			huh.NewInput().
				Title("Full name").
				Value(&fullName),
			huh.NewInput().
				Title("Business name").
				Value(&businessName),
		)

		form := huh.NewForm(huh.NewGroup(fields...))
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if company == "" || country == "" {
			fmt.Fprintf(os.Stderr, "Error: regulatory body and country are required\n")
			os.Exit(1)
		}

		formData := map[string]string{
			"fullName":     fullName,
			"businessName": businessName,
		}

		if online {
			err := client.SubmitApplication(ctx, company, country, formData)
			if err == nil {
				fmt.Printf("%s Application submitted to %s\n", ui.Success.Render("✓"), company)
				return
			}
			if !errors.Is(err, api.ErrNetworkFailure) {
				fmt.Fprintf(os.Stderr, "Submission failed: %v\n", err)
				os.Exit(1)
			}
		}

		store := openQueue(cfg)
		defer store.Close()

		rec := record.NewApplicationSubmission(sess.Phone, company, country, formData)
		if err := store.Enqueue(ctx, rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not queue application: %v\n", err)
			os.Exit(1)
		}
		if err := trigger.RegisterWake(cfg.StateDir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not request background sync: %v\n", err)
		}

		count, _ := store.Count(ctx)
		fmt.Printf("%s Offline: application to %s queued (%d pending)\n",
			ui.Warn.Render("⏳"), company, count)
		fmt.Println(ui.Faint.Render("It will sync automatically when you're back online."))
	},
}
