package cmd

import (
	stdcontext "context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shawn/session-gateway/internal/cli/api"
	"github.com/shawn/session-gateway/internal/cli/output"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

func newSessionCmd(client clientProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions", "s"},
		Short:   "Manage tenant sessions",
		Long:    `Create, inspect, pair, recover and delete tenant sessions.`,
	}

	cmd.AddCommand(newSessionCreateCmd(client))
	cmd.AddCommand(newSessionListCmd(client))
	cmd.AddCommand(newSessionGetCmd(client))
	cmd.AddCommand(newSessionUpdateCmd(client))
	cmd.AddCommand(newSessionDeleteCmd(client))
	cmd.AddCommand(newSessionQRCmd(client))
	cmd.AddCommand(newSessionLogoutCmd(client))
	cmd.AddCommand(newSessionReconnectCmd(client))
	cmd.AddCommand(newSessionBackupCmd(client))
	cmd.AddCommand(newSessionRestoreCmd(client))

	return cmd
}

func newSessionListCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			styler := output.NewStyler(noColor)

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			sessions, err := client().ListSessions(ctx)
			if err != nil {
				styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to list sessions: %v", err))
				return err
			}

			return render(cmd.OutOrStdout(), sessions, func(out io.Writer) error {
				if len(sessions) == 0 {
					styler.FprintInfo(out, "No sessions")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TENANT ID\tSTATE\tCONNECTED SINCE\tRETRIES\tWEBHOOK")
				for _, s := range sessions {
					since := "-"
					if !s.ConnectedSince.IsZero() {
						since = s.ConnectedSince.Format("2006-01-02 15:04:05")
					}
					webhook := "off"
					if s.WebhookEnabled {
						webhook = "on"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.TenantID, styler.State(s.State), since, s.RetryCount, webhook)
				}
				return w.Flush()
			})
		},
	}
}

func newSessionGetCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			s, err := client().GetSession(ctx, args[0])
			if err != nil {
				output.NewStyler(noColor).FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to get session: %v", err))
				return err
			}
			return renderSession(cmd.OutOrStdout(), s)
		},
	}
}

func newSessionDeleteCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Log out and delete a session",
		Long: `Log the tenant's device out, erase its credentials and backups,
and remove the tenant record. The tenant has to pair again afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			styler := output.NewStyler(noColor)
			styler.FprintInfo(cmd.OutOrStdout(), fmt.Sprintf("Deleting session '%s'...", tenantID))

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if err := client().DeleteSession(ctx, tenantID); err != nil {
				styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to delete session: %v", err))
				return err
			}

			styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Session '%s' deleted", tenantID))
			return nil
		},
	}
}

func newSessionLogoutCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <tenant-id>",
		Short: "Unlink the tenant's device",
		Long: `Log the tenant's device out and erase its credentials. The session
stays registered so a new QR code can be requested.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			styler := output.NewStyler(noColor)

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			s, err := client().Logout(ctx, tenantID)
			if err != nil {
				styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to log out: %v", err))
				return err
			}
			styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Session '%s' logged out", tenantID))
			return renderSession(cmd.OutOrStdout(), s)
		},
	}
}

func newSessionReconnectCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect <tenant-id>",
		Short: "Trigger recovery of a disconnected session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			styler := output.NewStyler(noColor)

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			s, err := client().Reconnect(ctx, tenantID)
			if err != nil {
				styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to reconnect: %v", err))
				return err
			}
			styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Reconnect triggered for '%s'", tenantID))
			return renderSession(cmd.OutOrStdout(), s)
		},
	}
}

func renderSession(w io.Writer, s *api.Session) error {
	styler := output.NewStyler(noColor)
	return render(w, s, func(out io.Writer) error {
		fields := []output.Field{
			{Label: "Tenant ID", Value: s.TenantID},
			{Label: "State", Value: styler.State(s.State)},
			{Label: "Connected Since", Value: output.Timestamp(s.ConnectedSince)},
			{Label: "Last Activity", Value: output.Timestamp(s.LastActivity)},
			{Label: "Retries", Value: strconv.Itoa(s.RetryCount)},
			{Label: "Stream Conflicts", Value: strconv.Itoa(s.StreamConflicts)},
			{Label: "Cooldown Until", Value: output.Timestamp(s.CooldownUntil)},
			{Label: "Next Retry", Value: output.Timestamp(s.NextRetryAt)},
			{Label: "Auto Read", Value: strconv.FormatBool(s.AutoRead)},
			{Label: "Webhook", Value: webhookSummary(s)},
			{Label: "Last Error", Value: s.LastError},
		}
		return output.FprintFields(out, fields)
	})
}

func webhookSummary(s *api.Session) string {
	switch {
	case !s.WebhookEnabled:
		return "off"
	case s.WebhookURL == "":
		return "on (no url)"
	}
	return s.WebhookURL
}
