package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"plume/internal/domain/publishing"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task backlog and store health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

func runStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return err
	}

	fmt.Println(bold("plume status"))
	fmt.Printf("  database   %s\n", green("ok"))
	fmt.Printf("  projects   %d\n", len(projects))
	fmt.Printf("  pending    %s\n", yellow(fmt.Sprint(counts[publishing.StatusPending])))
	fmt.Printf("  running    %d\n", counts[publishing.StatusRunning])
	fmt.Printf("  success    %s\n", green(fmt.Sprint(counts[publishing.StatusSuccess])))
	fmt.Printf("  failed     %s\n", red(fmt.Sprint(counts[publishing.StatusFailed])))
	fmt.Printf("  cadence    every %ds, optimal hours %v, daily max %d\n",
		cfg.Scheduler.MinPublishIntervalS, cfg.Scheduler.OptimalHours, cfg.Scheduler.DailyMaxTasks)
	return nil
}
