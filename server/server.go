package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paperfeed/db"
	"paperfeed/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// How often idle event streams are pinged
var pingInterval = 15 * time.Second

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// InterestStore persists the topics each user is interested in
type InterestStore interface {
	AddInterest(ctx context.Context, user, topic string) (bool, error)
	RemoveInterest(ctx context.Context, user, topic string) (bool, error)
	Interests(ctx context.Context, user string) ([]string, error)
}

// Searcher runs standalone paper and author searches
type Searcher interface {
	SearchPapers(ctx context.Context, query string, offset, limit int) (*models.PaperSearchResult, error)
	SearchAuthors(ctx context.Context, query string, offset, limit int) (*models.AuthorSearchResult, error)
}

type ServerConfig struct {
	// Feed sessions of connected clients
	Sessions *Sessions

	// Paper and author search outside of any feed
	Search Searcher

	// Per-user interests, used as fallback topics
	Interests InterestStore

	// Fallback topics for anonymous feeds and users without interests
	DefaultInterests []string

	// Value of the Access-Control-Allow-Origin header
	AllowOrigins string
}

func (config *ServerConfig) fallbackTopics(ctx context.Context, request models.CreateFeedRequest) ([]string, error) {
	if len(request.Topics) > 0 {
		return request.Topics, nil
	}
	if request.User != "" && config.Interests != nil {
		topics, err := config.Interests.Interests(ctx, request.User)
		if err != nil {
			return nil, err
		}
		if len(topics) > 0 {
			return topics, nil
		}
	}
	return config.DefaultInterests, nil
}

func (config *ServerConfig) session(c *fiber.Ctx) (*Session, error) {
	session, err := config.Sessions.Get(c.Params("id"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "Feed not found")
	}
	return session, nil
}

// Returns a fiber.App instance to be used as an HTTP server for paper feeds
func Server(config *ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "paperfeed",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			if code >= fiber.StatusInternalServerError {
				log.WithFields(log.Fields{
					"error": err,
					"path":  c.Path(),
				}).Error("Request failed")
			}
			return c.Status(code).JSON(fiber.Map{"error": errorMessage(code, err)})
		},
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New(compress.Config{
		Next: func(c *fiber.Ctx) bool {
			// Compression buffers the event stream
			return c.Get(fiber.HeaderAccept) == "text/event-stream"
		},
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.AllowOrigins,
		AllowHeaders: "Cache-Control, Content-Type",
		AllowMethods: "GET,POST,PUT,DELETE",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	api.Post("/feeds", func(c *fiber.Ctx) error {
		var request models.CreateFeedRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&request); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
			}
		}

		fallbacks, err := config.fallbackTopics(c.UserContext(), request)
		if err != nil {
			return fmt.Errorf("error getting interests: %w", err)
		}

		session := config.Sessions.Create(request.User, fallbacks)
		state := session.Controller.SelectTopic(c.UserContext(), request.Topic)

		return c.Status(fiber.StatusCreated).JSON(models.FeedSession{
			Id:    session.Id,
			State: state.Model(),
		})
	})

	api.Get("/feeds/:id", func(c *fiber.Ctx) error {
		session, err := config.session(c)
		if err != nil {
			return err
		}
		return c.JSON(session.Controller.State().Model())
	})

	api.Put("/feeds/:id/topic", func(c *fiber.Ctx) error {
		session, err := config.session(c)
		if err != nil {
			return err
		}

		var request models.TopicRequest
		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}

		state := session.Controller.SelectTopic(c.UserContext(), request.Topic)
		return c.JSON(state.Model())
	})

	api.Post("/feeds/:id/page", func(c *fiber.Ctx) error {
		session, err := config.session(c)
		if err != nil {
			return err
		}

		reset, err := strconv.ParseBool(c.Query("reset", "false"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid reset")
		}

		state := session.Controller.FetchPage(c.UserContext(), reset)
		return c.JSON(state.Model())
	})

	api.Delete("/feeds/:id/items/:key", func(c *fiber.Ctx) error {
		session, err := config.session(c)
		if err != nil {
			return err
		}

		key, err := url.PathUnescape(c.Params("key"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid item key")
		}

		removed, refilling := session.Controller.Consume(key)

		log.WithFields(log.Fields{
			"session":   session.Id,
			"key":       key,
			"removed":   removed,
			"refilling": refilling,
		}).Info("Consumed item")

		return c.JSON(models.ConsumeResponse{
			Removed:   removed,
			Refilling: refilling,
			State:     session.Controller.State().Model(),
		})
	})

	api.Delete("/feeds/:id", func(c *fiber.Ctx) error {
		if err := config.Sessions.Remove(c.Params("id")); err != nil {
			return fiber.NewError(fiber.StatusNotFound, "Feed not found")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	api.Get("/feeds/:id/sse", func(c *fiber.Ctx) error {
		session, err := config.session(c)
		if err != nil {
			return err
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		key, events := session.Subscribe()
		initial := session.Controller.State().Model()

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			aliveChan := time.NewTicker(pingInterval)
			defer aliveChan.Stop()
			defer session.Unsubscribe(key)

			if err := writeState(w, initial); err != nil {
				log.Warnf("Failed to send initial state to client %s: %v", key, err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					session.touch()
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case event, ok := <-events:
					if !ok {
						log.Infof("Feed closed, ending SSE stream for client %s", key)
						return
					}
					if err := writeState(w, event.State); err != nil {
						log.Warnf("Failed to send state to client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	api.Get("/papers/search", func(c *fiber.Ctx) error {
		query, offset, limit, err := searchParams(c)
		if err != nil {
			return err
		}

		result, err := config.Search.SearchPapers(c.UserContext(), query, offset, limit)
		if err != nil {
			return searchError(query, err)
		}
		return c.JSON(result)
	})

	api.Get("/authors/search", func(c *fiber.Ctx) error {
		query, offset, limit, err := searchParams(c)
		if err != nil {
			return err
		}

		result, err := config.Search.SearchAuthors(c.UserContext(), query, offset, limit)
		if err != nil {
			return searchError(query, err)
		}
		return c.JSON(result)
	})

	api.Get("/users/:user/interests", func(c *fiber.Ctx) error {
		user := c.Params("user")
		topics, err := config.Interests.Interests(c.UserContext(), user)
		if err != nil {
			return interestError(err)
		}
		return c.JSON(models.InterestsResponse{User: user, Interests: topics})
	})

	api.Post("/users/:user/interests", func(c *fiber.Ctx) error {
		var request models.TopicRequest
		if err := c.BodyParser(&request); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}

		user := c.Params("user")
		added, err := config.Interests.AddInterest(c.UserContext(), user, request.Topic)
		if err != nil {
			return interestError(err)
		}

		topics, err := config.Interests.Interests(c.UserContext(), user)
		if err != nil {
			return interestError(err)
		}

		status := fiber.StatusOK
		if added {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(models.InterestsResponse{User: user, Interests: topics})
	})

	api.Delete("/users/:user/interests/:topic", func(c *fiber.Ctx) error {
		topic, err := url.PathUnescape(c.Params("topic"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid topic")
		}

		removed, err := config.Interests.RemoveInterest(c.UserContext(), c.Params("user"), topic)
		if err != nil {
			return interestError(err)
		}
		if !removed {
			return fiber.NewError(fiber.StatusNotFound, "Interest not found")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	return app
}

func writeState(w *bufio.Writer, state models.FeedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

func searchParams(c *fiber.Ctx) (string, int, int, error) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		return "", 0, 0, fiber.NewError(fiber.StatusBadRequest, "Missing query")
	}

	limit, err := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultSearchLimit)))
	if err != nil || limit < 1 || limit > maxSearchLimit {
		return "", 0, 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("Limit must be between 1 and %d", maxSearchLimit))
	}

	offset, err := strconv.Atoi(c.Query("offset", "0"))
	if err != nil || offset < 0 {
		return "", 0, 0, fiber.NewError(fiber.StatusBadRequest, "Invalid offset")
	}

	return query, offset, limit, nil
}

func searchError(query string, err error) error {
	log.WithFields(log.Fields{
		"query": query,
		"error": err,
	}).Error("Search failed")
	return fiber.NewError(fiber.StatusBadGateway, "Unable to search. Please try again later.")
}

func interestError(err error) error {
	if errors.Is(err, db.ErrEmptyUser) || errors.Is(err, db.ErrEmptyTopic) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return fmt.Errorf("error updating interests: %w", err)
}

func errorMessage(code int, err error) string {
	if code == fiber.StatusBadGateway {
		return err.Error()
	}
	if code >= fiber.StatusInternalServerError {
		return "Internal server error"
	}
	return err.Error()
}
