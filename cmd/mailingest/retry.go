package main

import (
	"github.com/spf13/cobra"

	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/runner"
	"github.com/onetool-io/mailingest/internal/runner/tasks"
)

var retryCmd = &cobra.Command{
	Use:   "retry-attachments",
	Short: "Retry failed attachment downloads once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), config.Get())
		if err != nil {
			return err
		}
		defer a.Close()

		return runner.NewRunner(a.tasks, a.logger).RunOnce(cmd.Context(), tasks.AttachmentRetryTaskName)
	},
}
