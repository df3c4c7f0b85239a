package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fallback/internal/fallback"
)

func newControlCommand() *cobra.Command {
	var (
		adminURL string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "control <clear-cache|clear-queue|stop|ping|sync>",
		Short: "Send a control message to a running proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ack, err := sendControl(ctx, http.DefaultClient, adminURL, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(ack); err != nil {
				return err
			}
			if !ack.OK {
				return fmt.Errorf("%s: %s", ack.Message, ack.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adminURL, "admin", getenvDefault("FALLBACK_ADMIN", "http://127.0.0.1:8081"), "admin endpoint base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the acknowledgement")
	return cmd
}

func sendControl(ctx context.Context, client *http.Client, adminURL, message string) (fallback.Ack, error) {
	url := strings.TrimRight(adminURL, "/") + "/control/" + message
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fallback.Ack{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fallback.Ack{}, fmt.Errorf("send %s: %w", message, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fallback.Ack{}, err
	}
	var ack fallback.Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return fallback.Ack{}, fmt.Errorf("decode ack (status %d): %w", resp.StatusCode, err)
	}
	return ack, nil
}
