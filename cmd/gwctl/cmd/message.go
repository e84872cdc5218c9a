package cmd

import (
	stdcontext "context"
	"fmt"
	"io"

	"github.com/shawn/session-gateway/internal/cli/api"
	"github.com/shawn/session-gateway/internal/cli/output"
	"github.com/spf13/cobra"
)

func newMessageCmd(client clientProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send messages through a session",
	}
	cmd.AddCommand(newMessageSendCmd(client))
	return cmd
}

func newMessageSendCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "send <tenant-id> <to> <text>",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			styler := output.NewStyler(noColor)

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			resp, err := client().SendMessage(ctx, args[0], &api.SendMessageRequest{To: args[1], Text: args[2]})
			if err != nil {
				styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to send message: %v", err))
				return err
			}
			return render(cmd.OutOrStdout(), resp, func(out io.Writer) error {
				styler.FprintSuccess(out, fmt.Sprintf("Message sent (id %s)", resp.ID))
				return nil
			})
		},
	}
}
