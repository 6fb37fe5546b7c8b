package main

import (
	"errors"
	"strings"

	"github.com/rcourtman/appgrant/internal/license"
	"github.com/spf13/cobra"
)

var (
	licAccountID string
	licProductID string
	restoreCount int
)

var licenseCmd = &cobra.Command{
	Use:     "license",
	Aliases: []string{"licence"},
	Short:   "Inspect and administer licences",
}

var licenseShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one licence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		rec, err := app.Machine.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeLicenses(cmd, rec)
	},
}

var licenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List licences for an account or product",
	RunE: func(cmd *cobra.Command, args []string) error {
		account := strings.TrimSpace(licAccountID)
		product := strings.TrimSpace(licProductID)
		if account == "" && product == "" {
			return errors.New("one of --account or --product is required")
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		var recs []*license.Record
		if account != "" {
			recs, err = app.Registry.Licenses().ListByAccount(cmd.Context(), account)
		} else {
			recs, err = app.Registry.Licenses().ListByProduct(cmd.Context(), product)
		}
		if err != nil {
			return err
		}
		if useJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), toLicenseOutput(recs))
		}
		return printLicenses(cmd.OutOrStdout(), recs)
	},
}

var licenseCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a licence; cancelled licences are never revoked remotely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		rec, err := app.Processor.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeLicenses(cmd, rec)
	},
}

var licenseRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Reactivate a revoked licence for a fresh term",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		rec, err := app.Processor.Restore(cmd.Context(), args[0], restoreCount)
		if err != nil {
			return err
		}
		return writeLicenses(cmd, rec)
	},
}

func init() {
	licenseListCmd.Flags().StringVar(&licAccountID, "account", "", "Account id")
	licenseListCmd.Flags().StringVar(&licProductID, "product", "", "Product id")
	licenseRestoreCmd.Flags().IntVar(&restoreCount, "cycles", 1, "Prepaid cycles for the restored term")

	for _, c := range []*cobra.Command{licenseShowCmd, licenseListCmd, licenseCancelCmd, licenseRestoreCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "Print JSON output")
	}

	licenseCmd.AddCommand(licenseShowCmd)
	licenseCmd.AddCommand(licenseListCmd)
	licenseCmd.AddCommand(licenseCancelCmd)
	licenseCmd.AddCommand(licenseRestoreCmd)
}
