package main

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// openStore applies migrations as part of connecting.
		store, _, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		store.Close()
		fmt.Println(green("schema up to date"))
		return nil
	},
}

var dbResetYes bool

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all tables and recreate the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !dbResetYes {
			return withCode(exitConfig, fmt.Errorf("refusing to reset without --yes"))
		}
		ctx := cmdContext(cmd)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, pool, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		_, err = pool.Exec(ctx, `
DROP TABLE IF EXISTS analytics_hourly, publishing_logs, publishing_tasks,
    content_sources, projects, api_keys, users, schema_version CASCADE`)
		if err != nil {
			return fmt.Errorf("drop tables: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("recreate schema: %w", err)
		}
		fmt.Println(green("database reset"))
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup <path>",
	Short: "Write a pg_dump archive of the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext(cmd)
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DB.URL == "" {
			return withCode(exitConfig, fmt.Errorf("config: db.url is required"))
		}

		dump := exec.CommandContext(ctx, "pg_dump",
			"--dbname", cfg.DB.URL, "--format", "custom", "--file", args[0])
		if out, err := dump.CombinedOutput(); err != nil {
			return withCode(exitDB, fmt.Errorf("pg_dump: %v: %s", err, out))
		}
		fmt.Println(green("backup written to ") + args[0])
		return nil
	},
}

func init() {
	dbResetCmd.Flags().BoolVar(&dbResetYes, "yes", false, "confirm destructive reset")
	dbCmd.AddCommand(dbMigrateCmd, dbResetCmd, dbBackupCmd)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
