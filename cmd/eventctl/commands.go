package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gatherly/eventsite/internal/identity"
)

// accountAdmin is the part of identity.Service the CLI drives.
type accountAdmin interface {
	FindByEmail(ctx context.Context, email string) (*identity.Account, error)
	SetAdmin(ctx context.Context, uid string, admin bool) (*identity.Account, error)
	MarkEmailVerified(ctx context.Context, uid string) (*identity.Account, error)
	List(ctx context.Context) ([]identity.Account, error)
}

type backend struct {
	accounts accountAdmin
	migrate  func(ctx context.Context) error
	close    func()
}

type opener func(ctx context.Context) (*backend, error)

func newRootCmd(logger *slog.Logger, open opener) *cobra.Command {
	var b *backend
	root := &cobra.Command{
		Use:           "eventctl",
		Short:         "Administer the event registration site",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			b, err = open(cmd.Context())
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if b != nil && b.close != nil {
				b.close()
			}
		},
	}
	root.PersistentFlags().StringP("output", "o", "table", "output format: table or json")
	get := func() *backend { return b }
	root.AddCommand(
		newMigrateCmd(logger, get),
		newAdminCmd(logger, get),
		newAccountsCmd(get),
	)
	return root
}

func newMigrateCmd(logger *slog.Logger, get func() *backend) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := get().migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newAdminCmd(logger *slog.Logger, get func() *backend) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Grant or revoke the admin claim",
	}
	set := func(grant bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			accounts := get().accounts
			acct, err := accounts.FindByEmail(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("find %s: %w", args[0], err)
			}
			if acct.Admin() == grant {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s already has admin=%t\n", acct.Email, grant)
				return nil
			}
			if _, err := accounts.SetAdmin(cmd.Context(), acct.UID, grant); err != nil {
				return err
			}
			logger.Info("admin claim changed", slog.String("uid", acct.UID), slog.String("email", acct.Email), slog.Bool("admin", grant))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s admin=%t\n", acct.Email, grant)
			return nil
		}
	}
	admin.AddCommand(
		&cobra.Command{
			Use:   "grant <email>",
			Short: "Give an account the admin claim",
			Args:  cobra.ExactArgs(1),
			RunE:  set(true),
		},
		&cobra.Command{
			Use:   "revoke <email>",
			Short: "Remove the admin claim; signed-in sessions lose access immediately",
			Args:  cobra.ExactArgs(1),
			RunE:  set(false),
		},
	)
	return admin
}

type accountRow struct {
	UID      string `json:"uid"`
	Email    string `json:"email"`
	Provider string `json:"provider"`
	Verified bool   `json:"verified"`
	Admin    bool   `json:"admin"`
}

func newAccountsCmd(get func() *backend) *cobra.Command {
	accounts := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect accounts",
	}
	accounts.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := get().accounts.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]accountRow, 0, len(list))
			for i := range list {
				a := &list[i]
				rows = append(rows, accountRow{UID: a.UID, Email: a.Email, Provider: a.Provider, Verified: a.EmailVerified, Admin: a.Admin()})
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].Email < rows[j].Email })
			format, _ := cmd.Flags().GetString("output")
			return printAccounts(cmd.OutOrStdout(), format, rows)
		},
	}, &cobra.Command{
		Use:   "verify <email>",
		Short: "Mark an account's email as verified without the link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := get().accounts
			acct, err := svc.FindByEmail(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("find %s: %w", args[0], err)
			}
			if acct.EmailVerified {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is already verified\n", acct.Email)
				return nil
			}
			if _, err := svc.MarkEmailVerified(cmd.Context(), acct.UID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s verified\n", acct.Email)
			return nil
		},
	})
	return accounts
}

func printAccounts(w io.Writer, format string, rows []accountRow) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "EMAIL\tUID\tPROVIDER\tVERIFIED\tADMIN")
		for _, r := range rows {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", r.Email, r.UID, r.Provider, r.Verified, r.Admin)
		}
		return tw.Flush()
	default:
		return errors.New("unknown output format " + format)
	}
}
