/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"paperfeed/feeds"
	"paperfeed/models"
	"paperfeed/scholar"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func feedCmd() *cli.Command {
	return &cli.Command{
		Name:  "feed",
		Usage: "Print a paper feed as JSON lines",
		Description: `Runs a feed for a topic and prints its papers in feed order, swiping
each one away after it is printed so the feed refills as it would for a
user.

Returns each paper as a JSON object on a single line. Use a tool like jq to
process the output.

Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "topic",
				Aliases: []string{"t"},
				Usage:   "Topic to search for, falls back to interests when empty",
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "User whose interests are used as fallback topics",
			},
			&cli.StringSliceFlag{
				Name:  "interest",
				Usage: "Fallback topic, can be repeated. Overrides stored interests.",
			},
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Number of papers to print",
				Value:   20,
			},
		},
		Action: func(ctx *cli.Context) error {
			// Keep stdout for papers
			log.SetOutput(os.Stderr)

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			fallbacks, err := fallbackTopics(ctx.Context, cfg, ctx.StringSlice("interest"), ctx.String("user"))
			if err != nil {
				return err
			}

			controller := feeds.New(ctx.Context, scholar.NewClient(cfg.Search), feeds.OptionsFromConfig(cfg.Feed, fallbacks))
			defer controller.Close()

			controller.SelectTopic(ctx.Context, ctx.String("topic"))
			printed, err := drain(ctx.Context, ctx.App.Writer, controller, ctx.Int("count"))

			log.WithFields(log.Fields{
				"printed": printed,
			}).Info("Feed done")

			return err
		},
	}
}

// drain prints up to count papers, swiping each away once printed, until the
// feed is exhausted or fails
func drain(ctx context.Context, w io.Writer, controller *feeds.Controller, count int) (int, error) {
	encoder := json.NewEncoder(w)
	printed := 0

	for printed < count {
		state := controller.State()

		if len(state.Items) == 0 {
			if state.Status == feeds.StatusError {
				return printed, errors.New(state.LastError)
			}
			if !state.HasMore && !state.Status.Pending() {
				return printed, nil
			}
			controller.FetchPage(ctx, false)
			controller.Wait()
			continue
		}

		item := state.Items[0]
		if err := encoder.Encode(item); err != nil {
			return printed, fmt.Errorf("error writing paper: %w", err)
		}
		printed++
		controller.Consume(item.UniqueKey)
	}

	return printed, nil
}

func describe(item models.FeedItem) string {
	year := ""
	if item.Year > 0 {
		year = fmt.Sprintf(" (%d)", item.Year)
	}

	names := lo.Map(item.Authors, func(author models.Author, _ int) string {
		return author.Name
	})
	authors := strings.Join(lo.Slice(names, 0, 3), ", ")
	if len(names) > 3 {
		authors += ", et al."
	}

	venue := ""
	if item.Venue != "" {
		venue = "\n" + item.Venue
	}

	return fmt.Sprintf("%s%s\n%s%s\nCitations: %d", item.Title, year, authors, venue, item.CitationCount)
}
