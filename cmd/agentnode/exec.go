package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/agentnode/internal/bridge"
	"github.com/loykin/agentnode/internal/dispatch"
)

func createExecCommand(execFlags *ExecFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <function>",
		Short: "Run one whitelisted command locally and print the result",
		Long: `Exec runs a single whitelisted command without connecting to the
coordinator. Bridge delegation is unavailable in this mode.

Examples:
  agentnode exec list_directory --args='{"path":"/tmp"}'
  agentnode exec run_shell --args='{"command":"uname -a"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execLocal(cmd, args[0], execFlags.ArgsJSON)
		},
	}
	cmd.Flags().StringVar(&execFlags.ArgsJSON, "args", "{}", "function arguments as JSON")
	return cmd
}

func execLocal(cmd *cobra.Command, fn, argsJSON string) error {
	if !json.Valid([]byte(argsJSON)) {
		return fmt.Errorf("--args is not valid JSON")
	}
	d := dispatch.New(bridge.NewClient(&bridge.Address{}, nil), nil)
	data, err := d.Execute(cmd.Context(), fn, json.RawMessage(argsJSON))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		cmd.Println(string(data))
		return nil
	}
	cmd.Println(pretty.String())
	return nil
}
