/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paperfeed/feeds"
	"paperfeed/scholar"
	"paperfeed/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve paper feeds over HTTP",
		Description: `Starts the paperfeed HTTP server.

Clients open a feed session, select a topic and swipe papers away. Feed state
is returned with every call and pushed over server-sent events. Idle sessions
are closed after the configured session TTL.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on, overrides the config file",
				EnvVars: []string{"PAPERFEED_PORT"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if ctx.IsSet("port") {
				cfg.Server.Port = ctx.Int("port")
			}

			store, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			client := scholar.NewClient(cfg.Search)
			sessions := server.NewSessions(ctx.Context, client, feeds.OptionsFromConfig(cfg.Feed, nil))

			app := server.Server(&server.ServerConfig{
				Sessions:         sessions,
				Search:           client,
				Interests:        store,
				DefaultInterests: cfg.Interests,
				AllowOrigins:     cfg.Server.AllowOrigins,
			})

			tidyTicker := time.NewTicker(time.Minute)
			defer tidyTicker.Stop()

			// Graceful shutdown
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)

			go func() {
				for {
					select {
					case <-tidyTicker.C:
						sessions.Tidy(cfg.Server.SessionTTL)
					case <-sig:
						log.Info("Gracefully shutting down...")
						// Closing the sessions ends open event streams
						sessions.Shutdown()
						if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
							log.WithFields(log.Fields{
								"error": err,
							}).Error("Error shutting down server")
						}
						return
					}
				}
			}()

			log.WithFields(log.Fields{
				"port": cfg.Server.Port,
			}).Info("Starting server")

			if err := app.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
				return err
			}

			sessions.Shutdown()
			log.Info("Done!")
			return nil
		},
	}
}
