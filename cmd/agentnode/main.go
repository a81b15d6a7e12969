package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all subcommands.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	NoBridge bool
	AuditDB  string
}

// ExecFlags holds flags for the exec command.
type ExecFlags struct {
	ArgsJSON string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	APIUrl string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	execFlags := &ExecFlags{}
	statusFlags := &StatusFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createExecCommand(execFlags),
		createStatusCommand(statusFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentnode",
		Short: "Desktop execution node for the cloud coordinator",
		Long: `Agentnode keeps a persistent WebSocket session to the cloud
coordinator, executes whitelisted local commands on its behalf, and
supervises local helper processes such as the code-assistant bridge.

Examples:
  agentnode run --config=./agentnode.toml
  agentnode exec read_file --args='{"path":"/etc/hostname"}'
  agentnode status --api-url=http://127.0.0.1:8390`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "agentnode.toml", "path to TOML config file")
	return root
}
