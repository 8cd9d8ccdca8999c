package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"plume/internal/config"
	"plume/internal/domain/publishing"
	"plume/internal/scanner"
)

var scanProjectFlag string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover new media under the configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context())
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanProjectFlag, "project", "", "scan only this project (by name)")
}

func runScan(ctx context.Context) error {
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

	scan := newScanner(cfg, store)
	projects, err := resolveProjects(ctx, store, scanProjectFlag)
	if err != nil {
		return err
	}

	for _, p := range projects {
		reports, err := scan.ScanProject(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("scan project %s: %w", p.Name, err)
		}
		printScanReports(p.Name, reports)
	}
	return nil
}

func printScanReports(project string, reports []*scanner.Report) {
	fmt.Println(bold(project))
	if len(reports) == 0 {
		fmt.Println(gray("  no enabled sources"))
		return
	}
	for _, r := range reports {
		line := fmt.Sprintf("  source %d: %d discovered, %s, %d skipped",
			r.SourceID, r.Discovered, green(fmt.Sprintf("%d new", r.TasksCreated)), r.TasksSkipped)
		if r.BadMetadata > 0 {
			line += ", " + yellow(fmt.Sprintf("%d bad metadata", r.BadMetadata))
		}
		fmt.Println(line)
	}
}

// resolveProjects narrows to one project by name, or returns all of them.
func resolveProjects(ctx context.Context, store publishing.Store, name string) ([]*publishing.Project, error) {
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return projects, nil
	}
	for _, p := range projects {
		if p.Name == name {
			return []*publishing.Project{p}, nil
		}
	}
	return nil, fmt.Errorf("project %q not found", name)
}

// scanLoop periodically rescans every project while the engine runs.
// Passes never overlap; a slow walk skips the next tick.
func scanLoop(ctx context.Context, cfg config.CoreConfig, scan *scanner.Scanner, store publishing.Store) error {
	interval := time.Duration(cfg.Scanner.ScanIntervalS) * time.Second
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	logger := componentLogger("scanner")
	scanAll := func() {
		projects, err := store.ListProjects(ctx)
		if err != nil {
			logger.Warn("list projects: %v", err)
			return
		}
		for _, p := range projects {
			if _, err := scan.ScanProject(ctx, p.ID); err != nil {
				logger.Warn("scan project %d: %v", p.ID, err)
			}
		}
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc("@every "+interval.String(), scanAll); err != nil {
		return err
	}
	scanAll()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
