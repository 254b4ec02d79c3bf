/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"

	"paperfeed/config"
	"paperfeed/db"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "paperfeed",
		Usage: "Swipeable research paper feeds backed by Semantic Scholar",
		Description: `Paperfeed turns Semantic Scholar paper search into endless, swipeable
		feeds. Each feed buffers a page of papers for a topic, drops papers as
		they are swiped away and loads the next page in the background before
		the buffer runs dry.

		Feeds can be served over an HTTP API, printed as JSON lines or browsed
		interactively. Users without a selected topic get papers for one of
		their stored interests.

		Flags can generally be set via environment variables, e.g.:

		--config => PAPERFEED_CONFIG=paperfeed.toml
		--api-key => PAPERFEED_API_KEY=...
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file",
				EnvVars: []string{"PAPERFEED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "database",
				Usage:   "SQLite database file, overrides the config file",
				EnvVars: []string{"PAPERFEED_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Semantic Scholar API key, overrides the config file",
				EnvVars: []string{"PAPERFEED_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"PAPERFEED_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text or json)",
				EnvVars: []string{"PAPERFEED_LOG_FORMAT"},
				Value:   "text",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			serveCmd(),
			feedCmd(),
			browseCmd(),
			searchCmd(),
			interestsCmd(),
			migrateCmd(),
			rollbackCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return cli.ShowAppHelp(ctx)
		},
	}
}

func setupLogging(ctx *cli.Context) error {
	level, err := log.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)

	switch ctx.String("log-format") {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format: %s", ctx.String("log-format"))
	}
	return nil
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.IsSet("database") {
		cfg.Database = ctx.String("database")
	}
	if ctx.IsSet("api-key") {
		cfg.Search.APIKey = ctx.String("api-key")
	}

	log.WithFields(log.Fields{
		"config":   ctx.String("config"),
		"database": cfg.Database,
		"search":   cfg.Search.BaseURL,
		"apiKey":   cfg.Search.APIKey != "",
	}).Debug("Loaded configuration")

	return cfg, nil
}

// openDB migrates and opens the interests database
func openDB(cfg *config.Config) (*db.DB, error) {
	if err := db.Migrate(cfg.Database); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db.NewDB(cfg.Database)
}

// fallbackTopics picks the topics a feed falls back to: explicit topics
// first, then the user's stored interests, then the configured defaults
func fallbackTopics(ctx context.Context, cfg *config.Config, topics []string, user string) ([]string, error) {
	if len(topics) > 0 {
		return topics, nil
	}
	if user != "" {
		store, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		defer store.Close()

		interests, err := store.Interests(ctx, user)
		if err != nil {
			return nil, err
		}
		if len(interests) > 0 {
			return interests, nil
		}
	}
	return cfg.Interests, nil
}
