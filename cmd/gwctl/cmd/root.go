package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/shawn/session-gateway/internal/cli/api"
	"github.com/shawn/session-gateway/internal/cli/output"
	"github.com/spf13/cobra"
)

var (
	version   string
	commit    string
	buildDate string

	// Global flags
	namespace    string
	kubeContext  string
	gatewayURL   string
	outputFormat string
	noColor      bool
)

// clientProvider resolves the API client once flags are parsed.
type clientProvider func() api.Client

func newRootCmd(client clientProvider) *cobra.Command {
	root := &cobra.Command{
		Use:   "gwctl",
		Short: "Session Gateway CLI",
		Long: `gwctl manages tenant messaging sessions on a session gateway.

It creates and deletes sessions, hands out pairing QR codes, triggers
reconnects and credential backups, and sends test messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if outputFormat != "json" && outputFormat != "table" {
				return fmt.Errorf("invalid --output %q: want json or table", outputFormat)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&namespace, "namespace", getEnvOrDefault("GWCTL_NAMESPACE", "messaging"), "Kubernetes namespace")
	root.PersistentFlags().StringVar(&kubeContext, "context", os.Getenv("GWCTL_KUBE_CONTEXT"), "kubectl context")
	root.PersistentFlags().StringVar(&gatewayURL, "gateway-url", os.Getenv("GWCTL_GATEWAY_URL"), "Gateway HTTP URL (bypasses kubectl)")
	root.PersistentFlags().StringVar(&outputFormat, "output", "table", "Output format: json|table")
	root.PersistentFlags().BoolVar(&noColor, "no-color", color.NoColor, "Disable colored output")

	root.AddCommand(newSessionCmd(client))
	root.AddCommand(newMessageCmd(client))
	root.AddCommand(newVersionCmd())
	return root
}

func initClient() api.Client {
	if gatewayURL != "" {
		return api.NewHTTPClient(gatewayURL)
	}
	return api.NewKubectlClient(namespace, kubeContext)
}

func Execute() error {
	return newRootCmd(initClient).Execute()
}

func SetVersion(v, c, d string) {
	version = v
	commit = c
	buildDate = d
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// render writes v as JSON or hands w to table for the human view.
func render(w io.Writer, v any, table func(io.Writer) error) error {
	if outputFormat == "json" {
		jsonStr, err := output.FormatJSON(v)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Fprintln(w, jsonStr)
		return nil
	}
	return table(w)
}
