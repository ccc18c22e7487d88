// File: cmd/checks.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/flows"
	"github.com/xkilldash9x/shopcheck/internal/observability"
	"github.com/xkilldash9x/shopcheck/internal/suite"
)

// checksFailedError is returned when every check ran but some failed. The
// results have already been printed.
type checksFailedError struct {
	failed, total int
}

func (e *checksFailedError) Error() string {
	return fmt.Sprintf("%d of %d checks failed", e.failed, e.total)
}

type credentialFlags struct {
	user     string
	password string
}

func (f *credentialFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "override credentials.email")
	cmd.Flags().StringVar(&f.password, "password", "", "override credentials.password")
}

func (f *credentialFlags) resolve(cfg *config.Config) (flows.Credentials, error) {
	creds := flows.Credentials{Email: cfg.Credentials.Email, Password: cfg.Credentials.Password}
	if f.user != "" {
		creds.Email = f.user
	}
	if f.password != "" {
		creds.Password = f.password
	}
	if creds.Email == "" || creds.Password == "" {
		return creds, errors.New("credentials are required (set USER_EMAIL and USER_PASSWORD, or pass --user and --password)")
	}
	return creds, nil
}

type suiteFunc func(ctx context.Context, r *suite.Runner, creds flows.Credentials) []suite.Result

// runSuite builds the components, runs fn and prints the results.
func runSuite(cmd *cobra.Command, name string, creds *credentialFlags, fn suiteFunc) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	var c flows.Credentials
	if creds != nil {
		if c, err = creds.resolve(cfg); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	logger := observability.GetLogger()
	components, err := suite.NewComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	logger.Info("Running suite.", zap.String("suite", name))
	results := fn(ctx, suite.NewRunner(components, name), c)
	return report(cmd.OutOrStdout(), results)
}

func report(w io.Writer, results []suite.Result) error {
	failed := 0
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(w, "%s  %s (%s)\n", status, r.Name, r.Duration.Round(time.Millisecond))
		if r.Detail != "" {
			fmt.Fprintf(w, "      %s\n", r.Detail)
		}
		if r.Err != nil {
			fmt.Fprintf(w, "      error: %v\n", r.Err)
		}
		if r.Screenshot != "" {
			fmt.Fprintf(w, "      screenshot: %s\n", r.Screenshot)
		}
	}
	if failed > 0 {
		return &checksFailedError{failed: failed, total: len(results)}
	}
	return nil
}

func newLoginCmd() *cobra.Command {
	var creds credentialFlags
	var noCache bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check the storefront login flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSuite(cmd, "login", &creds, func(ctx context.Context, r *suite.Runner, c flows.Credentials) []suite.Result {
				results := []suite.Result{r.CheckLogin(ctx, c, flows.LoginOptions{CacheSession: !noCache})}
				if !noCache {
					results = append(results, r.CheckSessionCache(ctx, c))
				}
				return results
			})
		},
	}
	creds.register(cmd)
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "log in from scratch instead of restoring a cached session")
	return cmd
}

func newCashbackCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "cashback",
		Short: "Check cashback report generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSuite(cmd, "cashback", &creds, func(ctx context.Context, r *suite.Runner, c flows.Credentials) []suite.Result {
				return []suite.Result{r.CheckCashback(ctx, c)}
			})
		},
	}
	creds.register(cmd)
	return cmd
}

func newQuotationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quotation [zipcode...]",
		Short: "Check the shipping quotation API",
		Long:  "Check the address lookup behind shipping quotation. Zipcodes default to api.zipcodes, then " + suite.DefaultZipcode + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(cmd, "quotation", nil, func(ctx context.Context, r *suite.Runner, _ flows.Credentials) []suite.Result {
				return r.CheckQuotation(ctx, args)
			})
		},
	}
}

func newAPILoginCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "api-login",
		Short: "Check the pricing BFF login and print the token expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSuite(cmd, "api-login", &creds, func(ctx context.Context, r *suite.Runner, c flows.Credentials) []suite.Result {
				return []suite.Result{r.CheckAPILogin(ctx, c)}
			})
		},
	}
	creds.register(cmd)
	return cmd
}
