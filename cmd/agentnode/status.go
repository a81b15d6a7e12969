package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func createStatusCommand(statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running node's connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, statusFlags.APIUrl)
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "http://127.0.0.1:8390", "control API base URL")
	return cmd
}

func showStatus(cmd *cobra.Command, apiURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(apiURL + "/status")
	if err != nil {
		return fmt.Errorf("node unreachable at %s: %w", apiURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Connected bool   `json:"connected"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("bad status response: %w", err)
	}
	if body.Connected {
		cmd.Printf("connected (session %s)\n", body.SessionID)
	} else {
		cmd.Println("disconnected")
	}
	return nil
}
