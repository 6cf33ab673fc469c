package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"veritas/internal/app"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect and verify report version chains",
	}
	var tenantID string
	cmd.PersistentFlags().StringVar(&tenantID, "tenant-id", "", "tenant that owns the report")

	history := &cobra.Command{
		Use:   "history <report-id>",
		Short: "List a report's versions oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				versions, err := svc.Reports.GetVersionHistory(ctx, args[0], tenantID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(versions) == 0 {
					fmt.Fprintln(out, "No versions found.")
					return nil
				}
				for _, v := range versions {
					fmt.Fprintf(out, "v%-3d %s %-12s by=%-12s hash=%s reason=%q\n",
						v.VersionNumber, v.ID, v.ChangeType, v.CreatedBy, v.ContentHash, v.ChangeReason)
				}
				return nil
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify <report-id>",
		Short: "Verify a report's version chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Reports.VerifyChainIntegrity(ctx, args[0], tenantID)
				if err != nil {
					return err
				}
				return printVerification(cmd, res)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Print one version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				v, err := svc.Reports.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			})
		},
	}

	diff := &cobra.Command{
		Use:   "diff <version-a> <version-b>",
		Short: "Diff the content of two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				cmp, err := svc.Reports.CompareVersions(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, cmp)
			})
		},
	}

	cmd.AddCommand(history, verify, show, diff)
	return cmd
}
