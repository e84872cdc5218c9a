package cmd

import (
	stdcontext "context"
	"fmt"

	"github.com/shawn/session-gateway/internal/cli/api"
	"github.com/shawn/session-gateway/internal/cli/output"
	"github.com/spf13/cobra"
)

func newSessionUpdateCmd(client clientProvider) *cobra.Command {
	var (
		displayName string
		autoRead    bool
		webhook     bool
		webhookURL  string
	)

	cmd := &cobra.Command{
		Use:   "update <tenant-id>",
		Short: "Update session settings",
		Long: `Update display name, auto-read and webhook settings of a session.

At least one of --display-name, --auto-read, --webhook or --webhook-url must
be specified.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range []string{"display-name", "auto-read", "webhook", "webhook-url"} {
				if cmd.Flags().Changed(f) {
					return nil
				}
			}
			return fmt.Errorf("at least one of --display-name, --auto-read, --webhook or --webhook-url must be specified")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			styler := output.NewStyler(noColor)
			styler.FprintInfo(cmd.OutOrStdout(), fmt.Sprintf("Updating session '%s'...", tenantID))

			req := &api.UpdateSessionRequest{}
			if cmd.Flags().Changed("display-name") {
				req.DisplayName = &displayName
			}
			if cmd.Flags().Changed("auto-read") {
				req.AutoRead = &autoRead
			}
			if cmd.Flags().Changed("webhook") {
				req.WebhookEnabled = &webhook
			}
			if cmd.Flags().Changed("webhook-url") {
				req.WebhookURL = &webhookURL
			}

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			s, err := client().UpdateSession(ctx, tenantID, req)
			if err != nil {
				styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to update session: %v", err))
				return err
			}

			styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Session '%s' updated", tenantID))
			return renderSession(cmd.OutOrStdout(), s)
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "New display name")
	cmd.Flags().BoolVar(&autoRead, "auto-read", false, "Mark incoming messages as read")
	cmd.Flags().BoolVar(&webhook, "webhook", false, "Enable or disable webhook delivery")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "New webhook URL")

	return cmd
}
