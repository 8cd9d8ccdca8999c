package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"plume/internal/domain/publishing"
	"plume/internal/worker"
)

var (
	runOnceProjectFlag string
	runOnceLimitFlag   int
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Claim due tasks, execute them, and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context())
	},
}

func init() {
	runOnceCmd.Flags().StringVar(&runOnceProjectFlag, "project", "", "only tasks of this project (by name)")
	runOnceCmd.Flags().IntVar(&runOnceLimitFlag, "limit", 10, "maximum tasks to execute")
}

func runOnce(ctx context.Context) error {
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

	gen, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	pub, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	pool := worker.New(store, gen, pub, newGovernor(cfg), workerConfig(cfg), componentLogger("worker"))

	var projectID int64
	if runOnceProjectFlag != "" {
		projects, err := resolveProjects(ctx, store, runOnceProjectFlag)
		if err != nil {
			return err
		}
		projectID = projects[0].ID
	}

	workerID := fmt.Sprintf("cli-%d", os.Getpid())
	claimed, err := store.ClaimDueTasks(ctx, workerID, projectID, time.Now().UTC(), runOnceLimitFlag, cfg.LeaseTTL())
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		fmt.Println(gray("no due tasks"))
		return nil
	}

	var succeeded, failed int
	for _, t := range claimed {
		pool.Execute(ctx, workerID, t)
		after, err := store.GetTask(ctx, t.ID)
		if err != nil {
			failed++
			fmt.Printf("  task %d: %s\n", t.ID, red(err.Error()))
			continue
		}
		switch after.Status {
		case publishing.StatusSuccess:
			succeeded++
			fmt.Printf("  task %d: %s %s\n", t.ID, green("published"), gray(t.MediaPath))
		case publishing.StatusPending:
			failed++
			fmt.Printf("  task %d: %s retry at %s\n", t.ID, yellow("deferred"),
				after.ScheduledAt.Format(time.RFC3339))
		default:
			failed++
			fmt.Printf("  task %d: %s %s\n", t.ID, red("failed"), gray(t.MediaPath))
		}
	}

	fmt.Printf("%s %d published, %d failed\n", bold("done:"), succeeded, failed)
	if failed > 0 {
		return withCode(exitPartial, fmt.Errorf("%d of %d tasks did not publish", failed, len(claimed)))
	}
	return nil
}
