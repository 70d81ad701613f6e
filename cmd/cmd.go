// Package cmd implements the sollol command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sollol/sollol/envconfig"
	"github.com/sollol/sollol/logutil"
	"github.com/sollol/sollol/server"
	"github.com/sollol/sollol/version"
)

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "sollol",
		Short:         "Intelligent load balancer for Ollama clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogging()
		},
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the gateway",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
	appendEnvDocs(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sollol version %s\n", version.Version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	return rootCmd
}

// RunServer starts the gateway and blocks until SIGINT or SIGTERM.
func RunServer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}

func initLogging() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
}

// appendEnvDocs lists every environment variable in the command help.
func appendEnvDocs(cmd *cobra.Command) {
	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	usage := "\nEnvironment Variables:\n"
	for _, k := range keys {
		usage += fmt.Sprintf("    %-36s %s\n", vars[k].Name, vars[k].Description)
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + usage)
}
