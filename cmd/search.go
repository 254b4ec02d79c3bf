/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"paperfeed/scholar"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func searchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Usage:   fmt.Sprintf("Number of results, at most %d", scholar.MaxLimit),
			Value:   10,
		},
		&cli.IntFlag{
			Name:  "offset",
			Usage: "Number of results to skip",
		},
	}
}

func searchQuery(ctx *cli.Context) (string, error) {
	query := strings.TrimSpace(strings.Join(ctx.Args().Slice(), " "))
	if query == "" {
		return "", errors.New("a query is required")
	}
	return query, nil
}

func searchCmd() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Search papers or authors without a feed",
		Description: `Runs a single search against the Semantic Scholar Graph API and prints
each result as a JSON object on a single line.

Prints all other log messages to stderr.`,
		Subcommands: []*cli.Command{
			{
				Name:      "papers",
				Usage:     "Search papers by keyword",
				ArgsUsage: "<query>",
				Flags:     searchFlags(),
				Action: func(ctx *cli.Context) error {
					log.SetOutput(os.Stderr)

					query, err := searchQuery(ctx)
					if err != nil {
						return err
					}
					cfg, err := loadConfig(ctx)
					if err != nil {
						return err
					}

					result, err := scholar.NewClient(cfg.Search).SearchPapers(ctx.Context, query, ctx.Int("offset"), ctx.Int("limit"))
					if err != nil {
						return fmt.Errorf("error searching papers: %w", err)
					}

					log.WithFields(log.Fields{
						"query": query,
						"total": result.Total,
					}).Info("Paper search done")

					encoder := json.NewEncoder(ctx.App.Writer)
					for _, paper := range result.Data {
						if err := encoder.Encode(paper); err != nil {
							return fmt.Errorf("error writing paper: %w", err)
						}
					}
					return nil
				},
			},
			{
				Name:      "authors",
				Usage:     "Search authors by name",
				ArgsUsage: "<query>",
				Flags:     searchFlags(),
				Action: func(ctx *cli.Context) error {
					log.SetOutput(os.Stderr)

					query, err := searchQuery(ctx)
					if err != nil {
						return err
					}
					cfg, err := loadConfig(ctx)
					if err != nil {
						return err
					}

					result, err := scholar.NewClient(cfg.Search).SearchAuthors(ctx.Context, query, ctx.Int("offset"), ctx.Int("limit"))
					if err != nil {
						return fmt.Errorf("error searching authors: %w", err)
					}

					log.WithFields(log.Fields{
						"query": query,
						"total": result.Total,
					}).Info("Author search done")

					encoder := json.NewEncoder(ctx.App.Writer)
					for _, author := range result.Data {
						if err := encoder.Encode(author); err != nil {
							return fmt.Errorf("error writing author: %w", err)
						}
					}
					return nil
				},
			},
		},
	}
}
