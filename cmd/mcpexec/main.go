package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lexcodex/mcpexec/internal/config"
	"github.com/lexcodex/mcpexec/internal/harness"
	"github.com/lexcodex/mcpexec/internal/mcpclient"
	"github.com/lexcodex/mcpexec/internal/telemetry"
	"github.com/lexcodex/mcpexec/internal/version"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpexec",
		Short: "Run workloads against MCP tool servers, directly or sandboxed",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetOutput(os.Stderr)
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath, "Path to the MCP configuration document")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")

	root.AddCommand(newRunCmd(), newToolsCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var useSandbox bool
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "run <workload.js>",
		Short: "Execute a workload script with MCP tools available",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			opts := harness.Options{
				ScriptPath:  args[0],
				ConfigPath:  flagConfig,
				SandboxFlag: useSandbox,
			}
			if timeoutSeconds > 0 {
				opts.Timeout = time.Duration(timeoutSeconds) * time.Second
			}
			os.Exit(harness.Run(cmd.Context(), opts))
		},
	}
	cmd.Flags().BoolVar(&useSandbox, "sandbox", false, "Run the workload inside an isolated container")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Execution timeout in seconds for sandboxed runs (bounded by maxTimeout)")
	return cmd
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by all enabled MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			manager := mcpclient.NewManager(cfg, mcpclient.WithTelemetry(telemetry.Noop{}))
			defer func() {
				if err := manager.Teardown(); err != nil {
					logrus.WithError(err).Warn("teardown reported errors")
				}
			}()

			infos, err := manager.ListAllTools(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(renderToolList(infos))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mcpexec version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("mcpexec", version.Version)
		},
	}
}
