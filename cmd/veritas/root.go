package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"veritas/internal/app"
	"veritas/internal/config"
	"veritas/internal/domain"
	"veritas/internal/infra/logging"
	"veritas/internal/usecase"
)

const cliUserID = "veritas-cli"

var errIntegrity = errors.New("integrity violation detected")

type rootOptions struct {
	envFiles    []string
	driver      string
	databaseURL string
	tenantID    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "veritas",
		Short:         "Inspect and verify veritas audit and report chains",
		SilenceUsage:  true,
	}
	flags := cmd.PersistentFlags()
	flags.StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load before the environment")
	flags.StringVar(&opts.driver, "storage-driver", "", "override STORAGE_DRIVER (postgres or sqlite)")
	flags.StringVar(&opts.databaseURL, "database-url", "", "override DATABASE_URL")
	flags.StringVar(&opts.tenantID, "as-tenant", "", "act as this tenant instead of a platform admin")

	cmd.AddCommand(newAuditCmd(opts), newReportCmd(opts))
	return cmd
}

// withServices opens the configured store and runs fn with a scoped context.
func (o *rootOptions) withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *app.Services) error) error {
	cfg, err := config.Load(o.envFiles...)
	if err != nil {
		return err
	}
	if o.driver != "" {
		cfg.Storage.Driver = o.driver
	}
	if o.databaseURL != "" {
		cfg.Storage.URL = o.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Storage.Driver == config.StorageMemory {
		return errors.New("veritas needs a durable store: set STORAGE_DRIVER to postgres or sqlite")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	storage, err := app.OpenStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	policy, err := app.PIIPolicy(cmd.Context(), cfg.Audit)
	if err != nil {
		return err
	}
	svc, err := app.NewServices(app.ServicesConfig{
		Audit:   cfg.Audit,
		Records: storage.Records,
		Policy:  policy,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	scope := domain.PlatformAdminScope()
	if o.tenantID != "" {
		scope = domain.NewTenantScope(o.tenantID)
	}
	ctx := usecase.WithTenantScope(cmd.Context(), scope)
	ctx = usecase.WithRequestContext(ctx, usecase.RequestContext{UserID: cliUserID, TenantID: o.tenantID})
	return fn(ctx, svc)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printVerification(cmd *cobra.Command, res domain.ChainVerification) error {
	out := cmd.OutOrStdout()
	if res.Valid {
		fmt.Fprintf(out, "%s: chain VALID (%d records verified)\n", res.Subject, res.Length)
		return nil
	}
	fmt.Fprintf(out, "%s: chain BROKEN (%d records, %d problems)\n", res.Subject, res.Length, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  %s\n", e)
	}
	return errIntegrity
}
