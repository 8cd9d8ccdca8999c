package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"plume/internal/config"
	apperrors "plume/internal/errors"
	"plume/internal/infra/task"
	"plume/internal/logging"
)

// Exit codes reported to the shell.
const (
	exitOK      = 0
	exitError   = 1
	exitConfig  = 2
	exitDB      = 3
	exitPartial = 4
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// codedError carries an exit code alongside the failure.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

var configFlag string

var rootCmd = &cobra.Command{
	Use:           "plume",
	Short:         "plume schedules and publishes media to a microblogging platform",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config.yaml")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.plume")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("PLUME")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, scanCmd, runOnceCmd, statusCmd, dbCmd)
}

// Execute runs the CLI and maps failures onto exit codes.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		var coded *codedError
		if errors.As(err, &coded) {
			return coded.code
		}
		return exitError
	}
	return exitOK
}

// loadConfig resolves the config file (flag, then PLUME_CONFIG, then the
// viper search path) and builds the validated CoreConfig.
func loadConfig() (config.CoreConfig, error) {
	path := configFlag
	if path == "" {
		if err := viper.ReadInConfig(); err == nil {
			path = viper.ConfigFileUsed()
		}
	}
	cfg, err := config.Load(config.WithConfigPath(path))
	if err != nil {
		return config.CoreConfig{}, withCode(exitConfig, err)
	}
	return cfg, nil
}

// openStore connects the Postgres pool and applies migrations.
func openStore(ctx context.Context, cfg config.CoreConfig) (*task.PostgresStore, *pgxpool.Pool, error) {
	if cfg.DB.URL == "" {
		return nil, nil, withCode(exitConfig, fmt.Errorf("config: db.url is required"))
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.URL)
	if err != nil {
		return nil, nil, withCode(exitConfig, fmt.Errorf("parse db url: %w", err))
	}
	poolCfg.MaxConns = int32(cfg.DB.PoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, withCode(exitDB, fmt.Errorf("connect database: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = apperrors.Retry(pingCtx, apperrors.DefaultRetryConfig(), func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, nil, withCode(exitDB, fmt.Errorf("ping database: %w", err))
	}

	store := task.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, withCode(exitDB, fmt.Errorf("apply schema: %w", err))
	}
	return store, pool, nil
}

func componentLogger(name string) logging.Logger {
	return logging.NewComponentLogger(name)
}
