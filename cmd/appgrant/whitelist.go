package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/spf13/cobra"
)

var (
	wlType    string
	wlUserID  string
	wlSiteID  string
	wlEmail   string
	wlExpires string
	wlNotes   string
)

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage whitelist entries",
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Grant access without a purchase",
	Example: `  # Give a user every app on every site
  appgrant whitelist add --type global_user --user-id 12345

  # Give a user every app on one site until the end of the year
  appgrant whitelist add --type site_user --user-id 12345 --site-id 777 --expires 2026-12-31`,
	RunE: func(cmd *cobra.Command, args []string) error {
		expiry, err := parseExpiry(wlExpires)
		if err != nil {
			return err
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		now := time.Now().UTC()
		e := &whitelist.Entry{
			ID:         ulid.Make().String(),
			Type:       whitelist.Type(strings.TrimSpace(wlType)),
			UserID:     wlUserID,
			SiteID:     wlSiteID,
			Email:      strings.TrimSpace(wlEmail),
			ExpiryDate: expiry,
			Notes:      wlNotes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := app.Registry.Whitelist().CreateEntry(cmd.Context(), e); err != nil {
			return err
		}
		if useJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), toEntryOutput([]*whitelist.Entry{e}, now)[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s entry %s for user %s\n", e.Type, e.ID, e.UserID)
		return nil
	},
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelist entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		entries, err := app.Registry.Whitelist().ListEntries(cmd.Context())
		if err != nil {
			return err
		}
		if useJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), toEntryOutput(entries, time.Now()))
		}
		return printEntries(cmd.OutOrStdout(), entries, time.Now())
	},
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a whitelist entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Registry.Whitelist().DeleteEntry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed entry %s\n", args[0])
		return nil
	},
}

// parseExpiry accepts a date (end of that day, UTC) or an RFC 3339 time.
func parseExpiry(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		end := t.Add(24*time.Hour - time.Second)
		return &end, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("--expires must be YYYY-MM-DD or RFC 3339, got %q", v)
	}
	t = t.UTC()
	return &t, nil
}

func init() {
	whitelistAddCmd.Flags().StringVar(&wlType, "type", string(whitelist.TypeUserID), "Entry type: global_user, user_id or site_user")
	whitelistAddCmd.Flags().StringVar(&wlUserID, "user-id", "", "Store user id")
	whitelistAddCmd.Flags().StringVar(&wlSiteID, "site-id", "", "Site id (required for site_user)")
	whitelistAddCmd.Flags().StringVar(&wlEmail, "email", "", "Contact email for expiry notices")
	whitelistAddCmd.Flags().StringVar(&wlExpires, "expires", "", "Expiry date (YYYY-MM-DD or RFC 3339); empty never expires")
	whitelistAddCmd.Flags().StringVar(&wlNotes, "notes", "", "Free-form notes")
	_ = whitelistAddCmd.MarkFlagRequired("user-id")

	for _, c := range []*cobra.Command{whitelistAddCmd, whitelistListCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "Print JSON output")
	}

	whitelistCmd.AddCommand(whitelistAddCmd)
	whitelistCmd.AddCommand(whitelistListCmd)
	whitelistCmd.AddCommand(whitelistRemoveCmd)
}
