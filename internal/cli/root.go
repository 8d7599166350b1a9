// Package cli implements c19xctl, the operator tool for credential files,
// day code inspection and database migrations.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"c19x.org/internal/output"
)

// Version is set at build time via -ldflags "-X c19x.org/internal/cli.Version=x.y.z".
var Version = "0.3.0"

type options struct {
	outputFormat string
	formatter    output.Formatter
	getenv       func(string) string
}

func (o *options) print(w io.Writer, data any) {
	fmt.Fprint(w, o.formatter.Format(data))
}

// NewRootCmd builds a fresh command tree. getenv supplies defaults for
// flags bound to C19X_* variables.
func NewRootCmd(getenv func(string) string) *cobra.Command {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	opts := &options{getenv: getenv}

	root := &cobra.Command{
		Use:   "c19xctl",
		Short: "C19X operator CLI",
		Long: `c19xctl manages the administrator credential file, inspects the day
codes derived from a device secret and applies PostgreSQL migrations for
the c19x-server registry store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !output.Valid(opts.outputFormat) {
				return fmt.Errorf("unknown output format %q", opts.outputFormat)
			}
			opts.formatter = output.NewFormatter(opts.outputFormat)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", "", `output format: table, json, yaml (default "table")`)

	root.AddCommand(
		newUsersCmd(opts),
		newCodesCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs c19xctl with the process arguments.
func Execute() {
	if err := NewRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the c19xctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "c19xctl version %s\n", Version)
		},
	}
}
