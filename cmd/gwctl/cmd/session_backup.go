package cmd

import (
	stdcontext "context"
	"fmt"
	"io"
	"strconv"

	"github.com/shawn/session-gateway/internal/cli/api"
	"github.com/shawn/session-gateway/internal/cli/output"
	"github.com/spf13/cobra"
)

func newSessionBackupCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <tenant-id>",
		Short: "Snapshot the session's credentials",
		Long: `Snapshot the live credentials of a connected session. The gateway
refuses while the session is pairing, unstable, or recovering from a stream
conflict.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return snapshotAction(cmd, args[0], "Backup", client().Backup)
		},
	}
}

func newSessionRestoreCmd(client clientProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <tenant-id>",
		Short: "Restore the newest valid credential snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return snapshotAction(cmd, args[0], "Restore", client().Restore)
		},
	}
}

func snapshotAction(cmd *cobra.Command, tenantID, verb string, fn func(stdcontext.Context, string) (*api.Snapshot, error)) error {
	styler := output.NewStyler(noColor)

	ctx, cancel := stdcontext.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	snap, err := fn(ctx, tenantID)
	if err != nil {
		styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("%s failed: %v", verb, err))
		return err
	}
	styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("%s of '%s' complete", verb, tenantID))
	return render(cmd.OutOrStdout(), snap, func(out io.Writer) error {
		return output.FprintFields(out, []output.Field{
			{Label: "Snapshot", Value: snap.ID},
			{Label: "Created At", Value: output.Timestamp(snap.CreatedAt)},
			{Label: "Size", Value: strconv.Itoa(snap.Size)},
			{Label: "Score", Value: strconv.FormatFloat(snap.Score, 'f', 2, 64)},
		})
	})
}
