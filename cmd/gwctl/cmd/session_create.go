package cmd

import (
	stdcontext "context"
	"fmt"

	"github.com/shawn/session-gateway/internal/cli/api"
	"github.com/shawn/session-gateway/internal/cli/output"
	"github.com/spf13/cobra"
)

func newSessionCreateCmd(client clientProvider) *cobra.Command {
	req := &api.CreateSessionRequest{}

	cmd := &cobra.Command{
		Use:   "create <tenant-id>",
		Short: "Create a new session",
		Long: `Create a session for a tenant and register it with the gateway.

If the gateway already holds usable credentials for the tenant the session
connects right away; otherwise request a QR code with 'gwctl session qr'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TenantID = args[0]
			req.WebhookEnabled = req.WebhookEnabled || req.WebhookURL != ""

			styler := output.NewStyler(noColor)
			styler.FprintInfo(cmd.OutOrStdout(), fmt.Sprintf("Creating session '%s'...", req.TenantID))

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			s, err := client().CreateSession(ctx, req)
			if err != nil {
				styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to create session: %v", err))
				return err
			}

			styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Session '%s' created", req.TenantID))
			return renderSession(cmd.OutOrStdout(), s)
		},
	}

	cmd.Flags().StringVar(&req.DisplayName, "display-name", "", "Human readable tenant name")
	cmd.Flags().StringVar(&req.OwnerUserID, "owner", "", "Owning user id")
	cmd.Flags().BoolVar(&req.AutoRead, "auto-read", false, "Mark incoming messages as read")
	cmd.Flags().StringVar(&req.WebhookURL, "webhook-url", "", "Deliver incoming messages to this URL (enables the webhook)")

	return cmd
}
