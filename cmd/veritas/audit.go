package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"veritas/internal/app"
	"veritas/internal/domain"
	"veritas/internal/usecase"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify audit subject chains",
		Long: `Every audit entry belongs to one subject chain (a session, tenant or
user). Each entry's signature_hash covers its content and the previous
entry's hash, so an edited or removed entry breaks its chain.`,
	}
	cmd.AddCommand(
		newAuditVerifyCmd(opts),
		newAuditTrailCmd(opts),
		newAuditReportCmd(opts),
		newAuditPIIReportCmd(opts),
		newAuditExportCmd(opts),
	)
	return cmd
}

func newAuditVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <subject-kind> <subject-id>",
		Short: "Verify one subject chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Audit.VerifySubjectChain(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printVerification(cmd, res)
			})
		},
	}
}

func newAuditTrailCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trail <session-id>",
		Short: "List a session's entries newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				trail, err := svc.Audit.GetSessionTrail(ctx, args[0])
				if err != nil {
					return err
				}
				if limit > 0 && len(trail) > limit {
					trail = trail[:limit]
				}
				if len(trail) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No entries found.")
					return nil
				}
				for _, e := range trail {
					printEntry(cmd, e)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many entries")
	return cmd
}

func newAuditReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report <session-id>",
		Short: "Summarize a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				report, err := svc.Audit.GetSessionAuditReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func newAuditPIIReportCmd(opts *rootOptions) *cobra.Command {
	var req usecase.PIIReportRequest
	cmd := &cobra.Command{
		Use:   "pii-report",
		Short: "Report PII access and compliance findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				report, err := svc.Audit.GetPIIAccessReport(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().IntVar(&req.Days, "days", 30, "look back this many days")
	cmd.Flags().StringVar(&req.UserID, "user", "", "only this actor")
	cmd.Flags().StringVar(&req.TenantID, "tenant-id", "", "only this tenant")
	return cmd
}

type exportFlags struct {
	format      string
	out         string
	tenantID    string
	subjectKind string
	subjectID   string
	eventTypes  []string
	since       string
	limit       int
}

func newAuditExportCmd(opts *rootOptions) *cobra.Command {
	var f exportFlags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit entries",
		Long: `Export audit entries in insertion order as json, jsonl or csv.

Examples:
  veritas audit export --tenant-id acme --since 24h --format csv > acme.csv
  veritas audit export --subject-kind session --subject-id s-1 --out s-1.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := f.filter(time.Now())
			if err != nil {
				return err
			}
			return opts.withServices(cmd, func(ctx context.Context, svc *app.Services) error {
				entries, err := svc.Audit.QueryEntries(ctx, filter)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if f.out != "" {
					file, err := os.Create(f.out)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				return app.ExportEntries(w, entries, f.format)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.format, "format", app.FormatJSONL, "export format: json, jsonl or csv")
	flags.StringVarP(&f.out, "out", "o", "", "write to this file instead of stdout")
	flags.StringVar(&f.tenantID, "tenant-id", "", "only this tenant")
	flags.StringVar(&f.subjectKind, "subject-kind", "", "only this subject kind")
	flags.StringVar(&f.subjectID, "subject-id", "", "only this subject id")
	flags.StringSliceVar(&f.eventTypes, "event-type", nil, "only these event types")
	flags.StringVar(&f.since, "since", "", "entries since a duration ago (24h) or an RFC 3339 time")
	flags.IntVar(&f.limit, "limit", 0, "keep only the newest n entries")
	return cmd
}

func (f exportFlags) filter(now time.Time) (usecase.AuditFilter, error) {
	filter := usecase.AuditFilter{
		SubjectKind: f.subjectKind,
		SubjectID:   f.subjectID,
		Limit:       f.limit,
	}
	if f.tenantID != "" {
		filter.TenantID = usecase.StringPtr(f.tenantID)
	}
	for _, raw := range f.eventTypes {
		et := domain.EventType(strings.TrimSpace(raw))
		if !et.Valid() {
			return filter, fmt.Errorf("unknown event type %q", raw)
		}
		filter.EventTypes = append(filter.EventTypes, et)
	}
	if f.since != "" {
		if d, err := time.ParseDuration(f.since); err == nil {
			filter.Since = now.Add(-d)
		} else if t, err := time.Parse(time.RFC3339Nano, f.since); err == nil {
			filter.Since = t
		} else {
			return filter, fmt.Errorf("--since %q is neither a duration nor an RFC 3339 time", f.since)
		}
	}
	return filter, nil
}

func printEntry(cmd *cobra.Command, e domain.AuditEntry) {
	severity := string(e.Severity)
	if e.Severity.Rank() >= domain.SeverityError.Rank() {
		severity = strings.ToUpper(severity)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] #%-4d %-24s severity=%-8s actor=%-12s tenant=%s action=%s\n",
		domain.FormatTimestamp(e.Timestamp), e.Seq, e.EventType, severity, e.ActorUserID, e.TenantID, e.Action)
}
