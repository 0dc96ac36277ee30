package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDrainCmd() *cobra.Command {
	var owner int64

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Processes every queued job once and exits when all units finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if owner <= 0 {
				owner = rt.cfg.Auth.DefaultOwnerID
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
				defer cancel()
				if cerr := app.Close(shutdownCtx); cerr != nil {
					rt.logger.Warn("close failed", zap.Error(cerr))
				}
			}()

			report, err := app.DrainOnce(ctx, owner)
			if err != nil {
				return err
			}
			rt.logger.Info("drain finished",
				zap.Int("listed", report.Listed),
				zap.Int("scheduled", report.Scheduled),
				zap.Int("key_errors", report.KeyErrors),
				zap.Int("delete_errors", report.DeleteErrors),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled %d of %d jobs\n", report.Scheduled, report.Listed)
			return nil
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner id stamped on new records (default auth.default_owner_id)")
	return cmd
}
