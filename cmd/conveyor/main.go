// Command conveyor drives configured agent workflows from the
// terminal: run a workflow over a prompt, resume interrupted sessions,
// inspect persisted state.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "conveyor",
		Short:         "Workflow orchestration for command-line agents",
		Long:          "Drives multi-step workflows (plan, validate, implement, review) over external agent CLIs, with session persistence, resume and progress events.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		runCmd(),
		sessionsCmd(),
		workflowCmd(),
		initCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the conveyor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conveyor", version)
		},
	}
}
