package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepNotices bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and print the report",
	Long:  `Moves lapsed licences into grace, revokes licences past their grace period and retries unconfirmed revocations, then exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.Scheduler.SweepOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		if sweepNotices {
			notices, err := app.Scheduler.NoticePass(cmd.Context())
			if err != nil {
				return fmt.Errorf("notice pass: %w", err)
			}
			report.WarningsSent += notices.WarningsSent
			report.WhitelistNotice += notices.WhitelistNotice
		}

		if useJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), report)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Scanned:          %d\n", report.Scanned)
		fmt.Fprintf(out, "Entered grace:    %d\n", report.EnteredGrace)
		fmt.Fprintf(out, "Revoked:          %d\n", report.Revoked)
		fmt.Fprintf(out, "Revoke failures:  %d\n", report.RevokeFailures)
		fmt.Fprintf(out, "Retried revokes:  %d\n", report.RetriedRevokes)
		fmt.Fprintf(out, "Warnings sent:    %d\n", report.WarningsSent)
		fmt.Fprintf(out, "Whitelist notices: %d\n", report.WhitelistNotice)
		fmt.Fprintf(out, "Skipped:          %d\n", report.Skipped)
		return nil
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepNotices, "notices", false, "Also send due grace warnings and whitelist notices")
	sweepCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON output")
}
