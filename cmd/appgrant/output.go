package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/appgrant/internal/license"
	"github.com/rcourtman/appgrant/internal/whitelist"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	outputJSON bool
	isTerminal = term.IsTerminal
)

// useJSON reports whether output should be JSON: when asked for, or when
// stdout is not a terminal.
func useJSON(cmd *cobra.Command) bool {
	if outputJSON {
		return true
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	return !ok || !isTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func printLicenses(w io.Writer, recs []*license.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRODUCT\tACCOUNT\tSITE\tSTATUS\tEXPIRY\tGRACE UNTIL\tREVOKE")
	for _, rec := range recs {
		expiry, grace := rec.Expiry, rec.GraceUntil
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.ProductID, dash(rec.AccountID), dash(rec.SiteID), rec.Status,
			formatTime(&expiry), formatTime(&grace), revokeState(rec))
	}
	return tw.Flush()
}

func printEntries(w io.Writer, entries []*whitelist.Entry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tUSER\tSITE\tEXPIRES\tACTIVE\tORDER")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			e.ID, e.Type, e.UserID, dash(e.SiteID), formatTime(e.ExpiryDate), e.ActiveAt(now), dash(e.LinkedOrderID))
	}
	return tw.Flush()
}

func revokeState(rec *license.Record) string {
	switch {
	case rec.RevokeAttempts == 0:
		return "-"
	case rec.RevokeConfirmed:
		return fmt.Sprintf("confirmed (%d)", rec.RevokeAttempts)
	default:
		return fmt.Sprintf("pending (%d)", rec.RevokeAttempts)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// licenseOutput is the JSON form of a record. The token is never printed.
type licenseOutput struct {
	ID              string     `json:"id"`
	ProductID       string     `json:"product_id"`
	AccountID       string     `json:"account_id"`
	SiteID          string     `json:"site_id"`
	OrderID         string     `json:"order_id"`
	Status          string     `json:"status"`
	Cycle           string     `json:"cycle"`
	PrepaidCycles   int        `json:"prepaid_cycles"`
	Expiry          time.Time  `json:"expiry"`
	GraceUntil      time.Time  `json:"grace_until"`
	RenewalCount    int        `json:"renewal_count"`
	RevokeAttempts  int        `json:"revoke_attempts"`
	RevokeConfirmed bool       `json:"revoke_confirmed"`
	LastRevokeError string     `json:"last_revoke_error,omitempty"`
	LastNoticeAt    *time.Time `json:"last_notice_at,omitempty"`
	Version         int64      `json:"version"`
}

func toLicenseOutput(recs []*license.Record) []licenseOutput {
	out := make([]licenseOutput, 0, len(recs))
	for _, rec := range recs {
		out = append(out, licenseOutput{
			ID:              rec.ID,
			ProductID:       rec.ProductID,
			AccountID:       rec.AccountID,
			SiteID:          rec.SiteID,
			OrderID:         rec.OrderID,
			Status:          string(rec.Status),
			Cycle:           rec.Cycle.String(),
			PrepaidCycles:   rec.PrepaidCycles,
			Expiry:          rec.Expiry,
			GraceUntil:      rec.GraceUntil,
			RenewalCount:    rec.RenewalCount,
			RevokeAttempts:  rec.RevokeAttempts,
			RevokeConfirmed: rec.RevokeConfirmed,
			LastRevokeError: rec.LastRevokeError,
			LastNoticeAt:    rec.LastNoticeAt,
			Version:         rec.Version,
		})
	}
	return out
}

// entryOutput is the JSON form of a whitelist entry.
type entryOutput struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	UserID        string     `json:"user_id"`
	SiteID        string     `json:"site_id,omitempty"`
	Email         string     `json:"email,omitempty"`
	LinkedOrderID string     `json:"linked_order_id,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Active        bool       `json:"active"`
}

func toEntryOutput(entries []*whitelist.Entry, now time.Time) []entryOutput {
	out := make([]entryOutput, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryOutput{
			ID:            e.ID,
			Type:          string(e.Type),
			UserID:        e.UserID,
			SiteID:        e.SiteID,
			Email:         e.Email,
			LinkedOrderID: e.LinkedOrderID,
			ExpiryDate:    e.ExpiryDate,
			Notes:         e.Notes,
			Active:        e.ActiveAt(now),
		})
	}
	return out
}

func writeLicenses(cmd *cobra.Command, recs ...*license.Record) error {
	if useJSON(cmd) {
		if len(recs) == 1 {
			return printJSON(cmd.OutOrStdout(), toLicenseOutput(recs)[0])
		}
		return printJSON(cmd.OutOrStdout(), toLicenseOutput(recs))
	}
	return printLicenses(cmd.OutOrStdout(), recs)
}
