package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"patientsim/internal/db"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Tail visit-summary notifications from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd.Context())
	},
}

func runListen(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch, err := db.Listen(ctx, cfg.DatabaseURL, cfg.NotifyChannel)
	if err != nil {
		return err
	}
	fmt.Printf("listening on channel %q, ctrl-c to stop\n", cfg.NotifyChannel)
	for sessionID := range ch {
		fmt.Printf("summary updated for session %s\n", sessionID)
	}
	return nil
}
