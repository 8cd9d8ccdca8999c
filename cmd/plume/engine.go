package main

import (
	"fmt"
	"time"

	"plume/internal/cadence"
	"plume/internal/config"
	"plume/internal/domain/publishing"
	"plume/internal/generator"
	"plume/internal/governor"
	"plume/internal/publisher"
	"plume/internal/scanner"
	"plume/internal/worker"
)

func newGovernor(cfg config.CoreConfig) *governor.Governor {
	return governor.New(governor.Config{
		PerMinute: cfg.Rate.PerMinute,
		Burst:     cfg.Rate.Burst,
		PerDay:    cfg.Rate.PerDay,
		Location:  cfg.Location(),
	}, componentLogger("governor"))
}

// newGenerator builds the caption generator chain. The OpenAI adapter sits
// behind an LRU cache so identical inputs are captioned once.
func newGenerator(cfg config.CoreConfig) (generator.Generator, error) {
	if !cfg.Generator.Enabled || cfg.Generator.Provider == "passthrough" {
		return generator.Passthrough{}, nil
	}
	if cfg.Generator.Provider != "openai" {
		return nil, withCode(exitConfig, fmt.Errorf("config: unknown generator provider %q", cfg.Generator.Provider))
	}
	apiKey, err := config.ResolveCredential(cfg.Generator.CredentialsRef, nil)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	inner := generator.NewOpenAI(generator.OpenAIConfig{
		BaseURL:    cfg.Generator.BaseURL,
		APIKey:     apiKey,
		Model:      cfg.Generator.Model,
		Language:   cfg.Generator.Language,
		StyleHints: cfg.Generator.StyleHints,
		Timeout:    60 * time.Second,
	}, componentLogger("generator"))
	return generator.NewCached(inner, 0, componentLogger("generator"))
}

func newPublisher(cfg config.CoreConfig) (publisher.Publisher, error) {
	if cfg.Publisher.Provider != "twitter" {
		return nil, withCode(exitConfig, fmt.Errorf("config: unknown publisher provider %q", cfg.Publisher.Provider))
	}
	token, err := config.ResolveCredential(cfg.Publisher.CredentialsRef, nil)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	return publisher.NewMicroblog(publisher.MicroblogConfig{
		BaseURL: cfg.Publisher.BaseURL,
		Token:   token,
		Timeout: 120 * time.Second,
	}, componentLogger("publisher")), nil
}

func newScanner(cfg config.CoreConfig, store publishing.Store) *scanner.Scanner {
	return scanner.New(store, scanner.Config{
		MediaRoot:         cfg.Media.Root,
		MediaExtensions:   cfg.Scanner.MediaExtensions,
		MetadataExtension: cfg.Scanner.MetadataExtension,
	}, componentLogger("scanner"))
}

func newPlanner(cfg config.CoreConfig, store publishing.Store) *cadence.Planner {
	return cadence.New(store, cadence.Config{
		MinInterval:   cfg.MinPublishInterval(),
		OptimalHours:  config.HourSet(cfg.Scheduler.OptimalHours),
		BlackoutHours: config.HourSet(cfg.Scheduler.BlackoutHours),
		DailyMax:      cfg.Scheduler.DailyMaxTasks,
		Horizon:       time.Duration(cfg.Scheduler.PlanningHorizonHours) * time.Hour,
		Location:      cfg.Location(),
	}, componentLogger("cadence"))
}

func workerConfig(cfg config.CoreConfig) worker.Config {
	return worker.Config{
		Count:         cfg.Workers.Count,
		BatchSize:     cfg.Workers.BatchSize,
		CheckInterval: time.Duration(cfg.Workers.CheckIntervalS) * time.Second,
		TaskTimeout:   cfg.TaskTimeout(),
		MaxRetries:    cfg.Workers.MaxRetries,
		BackoffBase:   time.Duration(cfg.Workers.BackoffBaseS) * time.Second,
		BackoffMax:    time.Duration(cfg.Workers.BackoffMaxS) * time.Second,
		LeaseTTL:      cfg.LeaseTTL(),
		MediaRoot:     cfg.Media.Root,
		CharLimit:     cfg.Publisher.CharLimit,
		Language:      cfg.Generator.Language,
		StyleHints:    cfg.Generator.StyleHints,
	}
}
