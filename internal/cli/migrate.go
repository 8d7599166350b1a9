package cli

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"c19x.org/internal/migrate"
)

// openDB is replaced in tests.
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("pgx", dsn) }

func newMigrateCmd(opts *options) *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL store migrations",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default $C19X_PG_DSN)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	withManager := func(cmd *cobra.Command, fn func(context.Context, *migrate.Manager) error) error {
		d := dsn
		if d == "" {
			d = opts.getenv("C19X_PG_DSN")
		}
		if d == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or C19X_PG_DSN")
		}
		db, err := openDB(d)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return fn(ctx, migrate.NewManager(db, migrate.Embedded()))
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Already up to date.")
					return nil
				}
				opts.print(cmd.OutOrStdout(), applied)
				return nil
			})
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the latest migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reverted %s.\n", name)
				return nil
			})
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
				history, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				opts.print(cmd.OutOrStdout(), history)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}
