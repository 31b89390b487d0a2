package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/application/logger"
	"github.com/hanainplan/consultcall/internal/infra/adapters/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <command> [args]",
	Short: "Run call log database migrations (goose commands: up, down, status, ...)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return fmt.Errorf("could not load config: %w", err)
		}

		logger.Setup(cfg.Debug)

		driver := cfg.CallLog.Driver
		if driver == config.CallLogMemory {
			return fmt.Errorf("CALLLOG_DRIVER=%s has nothing to migrate", driver)
		}

		db, err := postgres.Connect(cmd.Context(), driver, cfg.CallLogDSN())
		if err != nil {
			return err
		}
		defer db.Close()

		return postgres.Migrate(cmd.Context(), db, driver, args[0], args[1:]...)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
