package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// SearchConfig configures the Semantic Scholar search client
type SearchConfig struct {
	BaseURL           string        `toml:"base_url"`
	APIKey            string        `toml:"api_key"`
	Fields            []string      `toml:"fields"`
	AuthorFields      []string      `toml:"author_fields"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	MaxRetries        int           `toml:"max_retries"`
	UserAgent         string        `toml:"user_agent"`
}

// FeedConfig configures paging and refill for every feed
type FeedConfig struct {
	InitialPageSize int           `toml:"initial_page_size"`
	PageSize        int           `toml:"page_size"`
	LowWatermark    int           `toml:"low_watermark"`
	FetchTimeout    time.Duration `toml:"fetch_timeout"`
	// ISO 639-1 codes, e.g. ["en"]. Empty disables language filtering.
	Languages []string `toml:"languages,omitempty"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port         int           `toml:"port"`
	AllowOrigins string        `toml:"allow_origins"`
	SessionTTL   time.Duration `toml:"session_ttl"`
}

// Config represents the top-level configuration
type Config struct {
	Database  string       `toml:"database"`
	Interests []string     `toml:"interests"`
	Search    SearchConfig `toml:"search"`
	Feed      FeedConfig   `toml:"feed"`
	Server    ServerConfig `toml:"server"`
}

// Largest page the search API serves
const maxPageSize = 100

// DefaultFields is the field list requested for every paper
var DefaultFields = []string{
	"paperId",
	"title",
	"url",
	"venue",
	"year",
	"authors",
	"abstract",
	"citationCount",
	"publicationTypes",
	"citationStyles",
	"externalIds",
	"openAccessPdf",
}

// DefaultAuthorFields is the field list requested for every author, with
// each author's papers
var DefaultAuthorFields = []string{
	"authorId",
	"externalIds",
	"name",
	"url",
	"affiliations",
	"paperCount",
	"citationCount",
	"hIndex",
	"papers.paperId",
	"papers.title",
	"papers.url",
	"papers.venue",
	"papers.year",
	"papers.authors",
	"papers.abstract",
	"papers.citationCount",
	"papers.publicationTypes",
	"papers.citationStyles",
	"papers.externalIds",
}

func Default() *Config {
	return &Config{
		Database: "paperfeed.db",
		Search: SearchConfig{
			BaseURL:           "https://api.semanticscholar.org",
			Fields:            DefaultFields,
			AuthorFields:      DefaultAuthorFields,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 1,
			MaxRetries:        3,
			UserAgent:         "paperfeed/1.0",
		},
		Feed: FeedConfig{
			InitialPageSize: 10,
			PageSize:        20,
			LowWatermark:    5,
			FetchTimeout:    15 * time.Second,
		},
		Server: ServerConfig{
			Port:         3000,
			AllowOrigins: "*",
			SessionTTL:   30 * time.Minute,
		},
	}
}

// LoadConfig reads a TOML file on top of the defaults.
// An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Search.BaseURL == "" {
		errs = append(errs, errors.New("search.base_url is required"))
	}
	if len(c.Search.Fields) == 0 {
		errs = append(errs, errors.New("search.fields must not be empty"))
	}
	if len(c.Search.AuthorFields) == 0 {
		errs = append(errs, errors.New("search.author_fields must not be empty"))
	}
	if c.Search.MaxRetries < 0 {
		errs = append(errs, errors.New("search.max_retries must not be negative"))
	}
	if c.Search.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("search.requests_per_second must not be negative"))
	}
	if c.Feed.InitialPageSize < 1 {
		errs = append(errs, errors.New("feed.initial_page_size must be positive"))
	}
	if c.Feed.PageSize < 1 {
		errs = append(errs, errors.New("feed.page_size must be positive"))
	}
	if c.Feed.InitialPageSize > maxPageSize || c.Feed.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("feed page sizes must not exceed %d", maxPageSize))
	}
	if c.Feed.LowWatermark < 0 {
		errs = append(errs, errors.New("feed.low_watermark must not be negative"))
	}

	return errors.Join(errs...)
}
