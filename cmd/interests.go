/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "User the interests belong to",
		EnvVars:  []string{"PAPERFEED_USER"},
		Required: true,
	}
}

func interestsCmd() *cli.Command {
	return &cli.Command{
		Name:  "interests",
		Usage: "Manage the topics a user is interested in",
		Description: `Interests are stored per user in the SQLite database. Feeds without a
selected topic pick one of them at random.`,
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add interests",
				ArgsUsage: "<topic>...",
				Flags:     []cli.Flag{userFlag()},
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() == 0 {
						return cli.Exit("at least one topic is required", 1)
					}

					cfg, err := loadConfig(ctx)
					if err != nil {
						return err
					}
					store, err := openDB(cfg)
					if err != nil {
						return err
					}
					defer store.Close()

					for _, topic := range ctx.Args().Slice() {
						added, err := store.AddInterest(ctx.Context, ctx.String("user"), topic)
						if err != nil {
							return err
						}
						if !added {
							fmt.Fprintf(ctx.App.Writer, "Already interested in %q\n", topic)
						}
					}
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List interests, oldest first",
				Flags: []cli.Flag{userFlag()},
				Action: func(ctx *cli.Context) error {
					cfg, err := loadConfig(ctx)
					if err != nil {
						return err
					}
					store, err := openDB(cfg)
					if err != nil {
						return err
					}
					defer store.Close()

					topics, err := store.Interests(ctx.Context, ctx.String("user"))
					if err != nil {
						return err
					}
					for _, topic := range topics {
						fmt.Fprintln(ctx.App.Writer, topic)
					}
					return nil
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove interests",
				ArgsUsage: "<topic>...",
				Flags:     []cli.Flag{userFlag()},
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() == 0 {
						return cli.Exit("at least one topic is required", 1)
					}

					cfg, err := loadConfig(ctx)
					if err != nil {
						return err
					}
					store, err := openDB(cfg)
					if err != nil {
						return err
					}
					defer store.Close()

					for _, topic := range ctx.Args().Slice() {
						removed, err := store.RemoveInterest(ctx.Context, ctx.String("user"), topic)
						if err != nil {
							return err
						}
						if !removed {
							fmt.Fprintf(ctx.App.Writer, "Not interested in %q\n", topic)
						}
					}
					return nil
				},
			},
		},
	}
}
