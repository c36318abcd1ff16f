package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"example.com/ridesync/internal/auth"
)

func newTokenCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage cloud API tokens",
	}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTokenIssue(opts, cmd.OutOrStdout(), time.Now())
		},
	}
	f := issue.Flags()
	f.String("subject", "", "device or user id the token acts as")
	f.String("space", "", "family space id")
	f.StringSlice("scopes", []string{auth.ScopeRecordsRead, auth.ScopeRecordsWrite, auth.ScopeSharesWrite}, "granted scopes")
	f.Duration("ttl", 30*24*time.Hour, "token lifetime")
	f.String("jwt-secret", "dev-secret-change-me", "signing secret")
	f.String("jwt-issuer", "ridesync.cloud", "token issuer")
	for _, name := range []string{"subject", "space", "scopes", "ttl", "jwt-secret", "jwt-issuer"} {
		opts.bind(issue, name)
	}
	cmd.AddCommand(issue)
	return cmd
}

func runTokenIssue(opts *RootOptions, out io.Writer, now time.Time) error {
	v := opts.v
	cfg := auth.Config{Secret: v.GetString("jwt-secret"), Issuer: v.GetString("jwt-issuer")}
	token, err := auth.Issue(cfg, v.GetString("subject"), v.GetString("space"), v.GetStringSlice("scopes"), v.GetDuration("ttl"), now)
	if err != nil {
		return err
	}
	p := newPrinter(opts, out)
	if p.wantsJSON() {
		return p.printJSON(map[string]any{"token": token, "expires_at": now.Add(v.GetDuration("ttl")).UTC()})
	}
	return p.line("%s", token)
}
