// Package feeds provides the paper feed controller and its display filters
package feeds

import (
	"context"

	"paperfeed/models"
)

// Source is a paginated source of papers, e.g. the Semantic Scholar search API.
// It makes no promise about the total number of results.
type Source interface {
	FetchPage(ctx context.Context, query string, offset, limit int) (*models.Page, error)
}

// SourceFunc adapts a plain function to Source
type SourceFunc func(ctx context.Context, query string, offset, limit int) (*models.Page, error)

func (f SourceFunc) FetchPage(ctx context.Context, query string, offset, limit int) (*models.Page, error) {
	return f(ctx, query, offset, limit)
}

// Status of a feed
type Status string

const (
	StatusIdle           Status = "idle"
	StatusLoadingInitial Status = "loading_initial"
	StatusLoadingMore    Status = "loading_more"
	StatusReady          Status = "ready"
	StatusError          Status = "error"
)

// Pending reports whether a fetch is in flight
func (s Status) Pending() bool {
	return s == StatusLoadingInitial || s == StatusLoadingMore
}

// State is a snapshot of a feed
type State struct {
	// Topic as selected by the consumer, empty when none is selected
	Topic string
	// Query actually sent to the source. Equals Topic unless a fallback topic was picked.
	Query     string
	Items     []models.FeedItem
	Cursor    int
	HasMore   bool
	Status    Status
	LastError string
}

// Model converts the snapshot to its JSON representation
func (s State) Model() models.FeedState {
	items := s.Items
	if items == nil {
		items = []models.FeedItem{}
	}
	return models.FeedState{
		Topic:     s.Topic,
		Query:     s.Query,
		Items:     items,
		Cursor:    s.Cursor,
		HasMore:   s.HasMore,
		Status:    string(s.Status),
		LastError: s.LastError,
	}
}
