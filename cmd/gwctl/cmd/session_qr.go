package cmd

import (
	stdcontext "context"
	"fmt"
	"io"
	"time"

	"github.com/shawn/session-gateway/internal/cli/api"
	"github.com/shawn/session-gateway/internal/cli/output"
	"github.com/spf13/cobra"
)

// qrPollInterval is how often --wait asks the gateway again.
var qrPollInterval = 2 * time.Second

func newSessionQRCmd(client clientProvider) *cobra.Command {
	var (
		fresh bool
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "qr <tenant-id>",
		Short: "Get a pairing QR code",
		Long: `Request a pairing QR code for a session.

A code stays valid for a short while and the same code is returned until it
expires. After an abandoned pairing attempt the gateway answers "expired";
pass --fresh to start a new round. With --wait the command keeps polling,
printing each new code, until the session connects or the wait elapses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			styler := output.NewStyler(noColor)

			if wait <= 0 {
				ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				qr, err := client().GetQR(ctx, tenantID, fresh)
				if err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to get QR code: %v", err))
					return err
				}
				return renderQR(cmd.OutOrStdout(), styler, qr)
			}

			ctx, cancel := stdcontext.WithTimeout(cmd.Context(), wait)
			defer cancel()
			return waitForPairing(ctx, cmd.OutOrStdout(), styler, client(), tenantID, fresh)
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "Start a new pairing round after an abandoned one")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Keep polling until connected or this long has passed")

	return cmd
}

func waitForPairing(ctx stdcontext.Context, w io.Writer, styler *output.Styler, client api.Client, tenantID string, fresh bool) error {
	var last string
	for {
		qr, err := client.GetQR(ctx, tenantID, fresh)
		if err != nil {
			return err
		}
		fresh = false

		switch qr.Status {
		case "connected":
			styler.FprintSuccess(w, fmt.Sprintf("Session '%s' is connected", tenantID))
			return nil
		case "ready":
			if qr.QR != last {
				last = qr.QR
				if err := renderQR(w, styler, qr); err != nil {
					return err
				}
			}
		case "expired":
			if err := renderQR(w, styler, qr); err != nil {
				return err
			}
			return fmt.Errorf("pairing attempt for '%s' expired", tenantID)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("session '%s' not connected: %w", tenantID, ctx.Err())
		case <-time.After(qrPollInterval):
		}
	}
}

func renderQR(w io.Writer, styler *output.Styler, qr *api.QR) error {
	return render(w, qr, func(out io.Writer) error {
		switch qr.Status {
		case "connected":
			styler.FprintSuccess(out, "Already connected, no pairing needed")
		case "ready":
			fmt.Fprintln(out, qr.QR)
			if !qr.ExpiresAt.IsZero() {
				styler.FprintInfo(out, fmt.Sprintf("Valid until %s", qr.ExpiresAt.Format(time.RFC3339)))
			}
		case "authenticating":
			styler.FprintInfo(out, "Scan received, pairing in progress")
		case "expired":
			styler.FprintWarn(out, "Pairing attempt expired; run again with --fresh")
		case "socket_error":
			styler.FprintWarn(out, fmt.Sprintf("Connection failed, retry shortly: %s", qr.Error))
		default:
			fmt.Fprintf(out, "Status: %s\n", qr.Status)
		}
		return nil
	})
}
