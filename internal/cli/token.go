package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/chatgate/internal/token"
)

const keyTokenSecret = "token.secret"

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and verify bearer tokens",
	}
	cmd.PersistentFlags().String("secret", "", "signing secret (env CHATGATE_TOKEN_SECRET)")
	_ = a.cfg.BindPFlag(keyTokenSecret, cmd.PersistentFlags().Lookup("secret"))

	cmd.AddCommand(newTokenIssueCmd(a), newTokenVerifyCmd(a))
	return cmd
}

func newTokenIssueCmd(a *app) *cobra.Command {
	var (
		subject string
		at      uint64
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token for a subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := token.Issue(subject, a.cfg.GetString(keyTokenSecret), a.nowMillis(at))
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", token.AnonymousSubject, "token subject (user id)")
	cmd.Flags().Uint64Var(&at, "at", 0, "issue time in unix milliseconds (default now)")
	return cmd
}

func newTokenVerifyCmd(a *app) *cobra.Command {
	var at uint64
	cmd := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a token and print its subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := token.Verify(token.ParseBearer(args[0]), a.cfg.GetString(keyTokenSecret), a.nowMillis(at))
			switch {
			case errors.Is(err, token.ErrExpired):
				return fmt.Errorf("token expired (max age %s)", token.MaxAge)
			case err != nil:
				return fmt.Errorf("verify token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), subject)
			return err
		},
	}
	cmd.Flags().Uint64Var(&at, "at", 0, "verification time in unix milliseconds (default now)")
	return cmd
}
