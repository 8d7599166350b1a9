package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"c19x.org/internal/auth"
)

func newUsersCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage administrator accounts",
		Long:  "List, add and remove accounts in the server's credential file.",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "credential file (default $C19X_USERS_FILE or data/users.tsv)")

	authority := func() *auth.Authority {
		path := file
		if path == "" {
			path = opts.getenv("C19X_USERS_FILE")
		}
		if path == "" {
			path = "data/users.tsv"
		}
		return auth.New(path)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.print(cmd.OutOrStdout(), authority().Users(cmd.Context()))
			return nil
		},
	}

	var (
		hash  string
		perms []string
		seal  bool
	)
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an account",
		Long: `Add an account with the password digest clients send at login. With
--bcrypt the digest is stored sealed instead of verbatim.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hash == "" {
				return fmt.Errorf("--hash is required")
			}
			stored := hash
			if seal {
				var err error
				if stored, err = auth.SealHash(hash); err != nil {
					return fmt.Errorf("seal hash: %w", err)
				}
			}
			u := auth.User{Name: args[0], Hash: stored, Permissions: normalise(perms)}
			if err := authority().AddUser(cmd.Context(), u); err != nil {
				return fmt.Errorf("add %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %q added.\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&hash, "hash", "", "password digest as sent by clients")
	add.Flags().StringSliceVar(&perms, "permissions", []string{"control"}, "comma separated permissions")
	add.Flags().BoolVar(&seal, "bcrypt", false, "store the digest sealed with bcrypt")

	remove := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove an account",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := authority().RemoveUser(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %q removed.\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func normalise(perms []string) []string {
	var out []string
	for _, p := range perms {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
