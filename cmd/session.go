// File: cmd/session.go
package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/observability"
	"github.com/xkilldash9x/shopcheck/internal/session"
	"github.com/xkilldash9x/shopcheck/internal/suite"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the persisted session snapshots",
	}
	cmd.AddCommand(newSessionListCmd(), newSessionDropCmd(), newSessionClearCmd())
	return cmd
}

// withStore opens the configured durable store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(session.Store) error) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	if cfg.Session.Store == config.StoreMemory {
		return errors.New("session.store is memory; nothing is persisted between runs")
	}
	store, pool, err := suite.OpenStore(cmd.Context(), cfg.Session, observability.GetLogger())
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	return fn(store)
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store session.Store) error {
				snaps, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tVALIDATOR\tCOOKIES\tCREATED")
				for _, s := range snaps {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Key, s.ValidatorID, len(s.State.Cookies), s.CreatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
}

func newSessionDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <key>",
		Short: "Delete one persisted snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store session.Store) error {
				if err := store.Delete(cmd.Context(), session.Key(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
				return nil
			})
		},
	}
}

func newSessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every persisted snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store session.Store) error {
				snaps, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range snaps {
					if err := store.Delete(cmd.Context(), s.Key); err != nil {
						return fmt.Errorf("delete %s: %w", s.Key, err)
					}
				}
				observability.GetLogger().Info("Session snapshots cleared.", zap.Int("count", len(snaps)))
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d snapshots\n", len(snaps))
				return nil
			})
		},
	}
}
