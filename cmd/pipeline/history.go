package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mpraes/single-node-dw/internal/audit"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <source>",
	Short: "print the most recent recorded runs for a source",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to print")
}

func runHistory(cmd *cobra.Command, args []string) error {
	sourceName := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.WarehouseDSN == "" {
		return fmt.Errorf("pipeline: warehouse_dsn is not configured, no audit history available")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.WarehouseDSN)
	if err != nil {
		return fmt.Errorf("pipeline: connecting audit store: %w", err)
	}
	defer pool.Close()

	store := audit.NewStore(pool, "")
	rows, err := store.History(ctx, sourceName, historyLimit)
	if err != nil {
		return err
	}

	for _, row := range rows {
		fmt.Printf("%s  %-10s  rows=%-6d  %s -> %s\n",
			row.RunID, row.State, row.RowsLoaded, row.StartedAt.Format("2006-01-02T15:04:05Z07:00"), row.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
		if row.Error != "" {
			fmt.Printf("    error: %s\n", row.Error)
		}
	}
	return nil
}
