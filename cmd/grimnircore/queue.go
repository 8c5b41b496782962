/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var queueControlBind string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Control the running instance's track queue over its HTTP control API",
}

func init() {
	queueCmd.PersistentFlags().StringVar(&queueControlBind, "control-addr", "http://127.0.0.1:8080", "base URL of the running instance's HTTP control API")
	queueCmd.AddCommand(queuePushCmd)
	queueCmd.AddCommand(queuePopCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueSkipCmd)
}

var queuePushHead bool

var queuePushCmd = &cobra.Command{
	Use:   "push <path>",
	Short: "Insert a track locator into the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		position := 1 // queue.Tail
		if queuePushHead {
			position = 0 // queue.Head
		}
		body := map[string]any{"path": args[0], "position": position}
		return postQueueCommand("push", body)
	},
}

var queuePopHead bool

var queuePopCmd = &cobra.Command{
	Use:   "pop",
	Short: "Remove a track locator from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		position := 1 // queue.Tail
		if queuePopHead {
			position = 0 // queue.Head
		}
		body := map[string]any{"position": position}
		return postQueueCommand("pop", body)
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending track locator from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postQueueCommand("clear", nil)
	},
}

var queueSkipCmd = &cobra.Command{
	Use:   "skip",
	Short: "Stop the currently playing track immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postQueueCommand("skip", nil)
	},
}

func init() {
	queuePushCmd.Flags().BoolVar(&queuePushHead, "head", false, "insert at the head instead of the tail")
	queuePopCmd.Flags().BoolVar(&queuePopHead, "head", false, "remove from the head instead of the tail")
}

func postQueueCommand(endpoint string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("%s/api/v1/queue/%s", queueControlBind, endpoint), "application/json", reader)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control api returned %d: %s", resp.StatusCode, string(respBody))
	}
	fmt.Println("ok")
	return nil
}
