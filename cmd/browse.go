/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"paperfeed/feeds"
	"paperfeed/scholar"

	"github.com/cqroot/prompt"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	actionNext     = "Next paper"
	actionAbstract = "Show abstract"
	actionTopic    = "Change topic"
	actionReload   = "Reload"
	actionQuit     = "Quit"
)

func browseCmd() *cli.Command {
	return &cli.Command{
		Name:  "browse",
		Usage: "Browse a paper feed in the terminal",
		Description: `Shows one paper at a time. Swiping to the next paper removes the current
one and the feed refills in the background as it runs low.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "User whose interests are used when no topic is given",
				EnvVars: []string{"PAPERFEED_USER"},
			},
		},
		Action: func(ctx *cli.Context) error {
			// Only warnings would interfere with the prompts
			log.SetLevel(min(log.GetLevel(), log.WarnLevel))

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			fallbacks, err := fallbackTopics(ctx.Context, cfg, nil, ctx.String("user"))
			if err != nil {
				return err
			}

			controller := feeds.New(ctx.Context, scholar.NewClient(cfg.Search), feeds.OptionsFromConfig(cfg.Feed, fallbacks))
			defer controller.Close()

			out := ctx.App.Writer
			topic, err := askTopic(out, fallbacks)
			if err != nil {
				return quit(err)
			}
			controller.SelectTopic(ctx.Context, topic)

			for {
				state := controller.State()

				if len(state.Items) == 0 {
					switch {
					case state.Status.Pending():
						controller.Wait()
						continue
					case state.Status == feeds.StatusError:
						fmt.Fprintln(out, state.LastError)
					case state.HasMore:
						controller.FetchPage(ctx.Context, false)
						continue
					default:
						fmt.Fprintf(out, "No more papers for %q\n", state.Query)
					}
				} else {
					fmt.Fprintf(out, "\n[%s] %s\n\n", state.Query, describe(state.Items[0]))
				}

				choices := []string{actionNext, actionAbstract, actionTopic, actionReload, actionQuit}
				if len(state.Items) == 0 {
					choices = []string{actionReload, actionTopic, actionQuit}
				}

				action, err := prompt.New().Ask("What next?").Choose(choices)
				if err != nil {
					return quit(err)
				}

				switch action {
				case actionNext:
					controller.Consume(state.Items[0].UniqueKey)
				case actionAbstract:
					fmt.Fprintf(out, "\n%s\n", state.Items[0].Abstract)
					if state.Items[0].Url != "" {
						fmt.Fprintf(out, "\n%s\n", state.Items[0].Url)
					}
				case actionTopic:
					topic, err := askTopic(out, fallbacks)
					if err != nil {
						return quit(err)
					}
					controller.SelectTopic(ctx.Context, topic)
				case actionReload:
					controller.FetchPage(ctx.Context, true)
				case actionQuit:
					return nil
				}
			}
		},
	}
}

func askTopic(w io.Writer, fallbacks []string) (string, error) {
	// Without interests an empty topic gives an empty feed
	defaultTopic := "graph neural networks"
	if len(fallbacks) > 0 {
		defaultTopic = ""
		fmt.Fprintf(w, "Leave empty for one of: %s\n", strings.Join(fallbacks, ", "))
	}

	topic, err := prompt.New().Ask("Topic:").Input(defaultTopic)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(topic), nil
}

func quit(err error) error {
	if errors.Is(err, prompt.ErrUserQuit) {
		return nil
	}
	return err
}
