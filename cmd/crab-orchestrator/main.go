package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, "orchestrator ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "crab-orchestrator",
		Short:        "Turn orchestration with human approval for local code changes",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newSandboxCmd(),
		newSessionsCmd(),
	)
	return rootCmd
}
