package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/onetool-io/mailingest/internal/api"
	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/models"
)

var ingestFileFlag string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a stored webhook payload and print the result",
	Long: `Ingest replays a webhook payload saved to disk, either the provider envelope
or a bare email.received event, and prints the ingestion result as JSON. Use
--file - to read from stdin.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFileFlag, "file", "f", "", "Path to the webhook payload (required)")
	_ = ingestCmd.MarkFlagRequired("file")
}

func runIngest(cmd *cobra.Command, args []string) error {
	body, err := readPayload(ingestFileFlag)
	if err != nil {
		return err
	}
	event, eventType, err := api.DecodeEvent(body)
	if err != nil {
		return err
	}
	if eventType != "" && eventType != models.WebhookEventEmailReceived {
		return fmt.Errorf("payload is a %q event, not %q", eventType, models.WebhookEventEmailReceived)
	}

	a, err := newApp(cmd.Context(), config.Get())
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.ingestor.Ingest(cmd.Context(), event)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("ingestion failed: %s", res.Reason)
	}
	return nil
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return body, nil
}
