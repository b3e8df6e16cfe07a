// Command crelay runs the voice conversation relay and its operator
// tooling: the service itself, a terminal chat harness for profiles,
// and model discovery for the configured provider.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	crelay "github.com/deshartman/crelay-payments-sub000"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "crelay",
		Short:        "Relay voice calls between a telephony gateway and streaming LLMs",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newChatCmd(), newModelsCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Printf("[Crelay] v%s, config %s", crelay.Version, configPath)
			return crelay.RunFromFile(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c",
		getEnv("CRELAY_CONFIG", "crelay.yaml"), "service configuration file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crelay %s\n", crelay.Version)
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
