package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"paperfeed/db"
	"paperfeed/feeds"
	"paperfeed/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	query  string
	offset int
	limit  int
}

// recordingSource serves pages of generated papers and remembers every request
type recordingSource struct {
	mu    sync.Mutex
	calls []call
	total int
	fail  bool
}

func (s *recordingSource) FetchPage(ctx context.Context, query string, offset, limit int) (*models.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, call{query: query, offset: offset, limit: limit})
	if s.fail {
		return nil, fmt.Errorf("search unavailable")
	}

	papers := []models.Paper{}
	for i := offset; i < min(offset+limit, s.total); i++ {
		papers = append(papers, models.Paper{
			PaperId:  fmt.Sprintf("paper-%d", i),
			Title:    fmt.Sprintf("Paper %d about %s", i, query),
			Abstract: "An abstract.",
		})
	}
	return &models.Page{Items: papers, TotalReturned: len(papers)}, nil
}

func (s *recordingSource) SearchPapers(ctx context.Context, query string, offset, limit int) (*models.PaperSearchResult, error) {
	page, err := s.FetchPage(ctx, query, offset, limit)
	if err != nil {
		return nil, err
	}
	return &models.PaperSearchResult{Total: s.total, Offset: offset, Data: page.Items}, nil
}

func (s *recordingSource) SearchAuthors(ctx context.Context, query string, offset, limit int) (*models.AuthorSearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, call{query: query, offset: offset, limit: limit})
	if s.fail {
		return nil, fmt.Errorf("search unavailable")
	}
	return &models.AuthorSearchResult{
		Total:  1,
		Offset: offset,
		Data: []models.AuthorProfile{{
			AuthorId:   "40348417",
			Name:       query,
			PaperCount: 3,
		}},
	}, nil
}

func (s *recordingSource) Calls() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

type testServer struct {
	app      *fiber.App
	source   *recordingSource
	sessions *Sessions
	store    *db.DB
}

func newTestServer(t *testing.T, defaults ...string) *testServer {
	t.Helper()

	path := filepath.Join(t.TempDir(), "paperfeed.db")
	require.NoError(t, db.Migrate(path))
	store, err := db.NewDB(path)
	require.NoError(t, err)

	source := &recordingSource{total: 100}
	opts := feeds.DefaultOptions()
	opts.PickTopic = func(topics []string) string { return topics[0] }
	sessions := NewSessions(context.Background(), source, opts)

	t.Cleanup(func() {
		sessions.Shutdown()
		store.Close()
	})

	app := Server(&ServerConfig{
		Sessions:         sessions,
		Search:           source,
		Interests:        store,
		DefaultInterests: defaults,
		AllowOrigins:     "*",
	})

	return &testServer{app: app, source: source, sessions: sessions, store: store}
}

func (ts *testServer) do(t *testing.T, method, target string, body interface{}, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) createFeed(t *testing.T, request models.CreateFeedRequest) models.FeedSession {
	t.Helper()

	var session models.FeedSession
	status := ts.do(t, http.MethodPost, "/api/feeds", request, &session)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, session.Id)
	return session
}

func TestCreateFeedWithTopic(t *testing.T) {
	ts := newTestServer(t)

	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "graph neural networks"})

	assert.Equal(t, "graph neural networks", session.State.Topic)
	assert.Equal(t, "ready", session.State.Status)
	assert.Len(t, session.State.Items, feeds.DefaultInitialPageSize)
	assert.Equal(t, "graph neural networks-0", session.State.Items[0].UniqueKey)
	assert.Equal(t, 10, session.State.Cursor)
	assert.True(t, session.State.HasMore)

	assert.Equal(t, []call{{query: "graph neural networks", offset: 0, limit: 10}}, ts.source.Calls())
}

func TestCreateFeedWithoutTopic(t *testing.T) {
	ts := newTestServer(t)

	session := ts.createFeed(t, models.CreateFeedRequest{})

	assert.Equal(t, "ready", session.State.Status)
	assert.Empty(t, session.State.Items)
	assert.NotNil(t, session.State.Items)
	assert.False(t, session.State.HasMore)
	assert.Empty(t, ts.source.Calls())
}

func TestCreateFeedFallbackTopics(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit topics", func(t *testing.T) {
		ts := newTestServer(t, "default topic")
		session := ts.createFeed(t, models.CreateFeedRequest{Topics: []string{"robotics"}})
		assert.Equal(t, "", session.State.Topic)
		assert.Equal(t, "robotics", session.State.Query)
	})

	t.Run("stored interests", func(t *testing.T) {
		ts := newTestServer(t, "default topic")
		_, err := ts.store.AddInterest(ctx, "alice", "protein folding")
		require.NoError(t, err)

		session := ts.createFeed(t, models.CreateFeedRequest{User: "alice"})
		assert.Equal(t, "protein folding", session.State.Query)
		assert.Len(t, session.State.Items, 10)
	})

	t.Run("configured defaults", func(t *testing.T) {
		ts := newTestServer(t, "default topic")
		session := ts.createFeed(t, models.CreateFeedRequest{User: "bob"})
		assert.Equal(t, "default topic", session.State.Query)
	})
}

func TestCreateFeedInvalidBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/feeds", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeedNotFound(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	status := ts.do(t, http.MethodGet, "/api/feeds/missing", nil, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Feed not found", body["error"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/feeds/missing", nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/feeds/missing/page", nil, nil))
}

func TestGetFeed(t *testing.T) {
	ts := newTestServer(t)
	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "ml"})

	var state models.FeedState
	status := ts.do(t, http.MethodGet, "/api/feeds/"+session.Id, nil, &state)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, session.State, state)
}

func TestSelectTopic(t *testing.T) {
	ts := newTestServer(t)
	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "ml"})

	var state models.FeedState
	status := ts.do(t, http.MethodPut, "/api/feeds/"+session.Id+"/topic", models.TopicRequest{Topic: "quantum computing"}, &state)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "quantum computing", state.Topic)
	assert.Len(t, state.Items, 10)
	assert.Equal(t, "quantum computing-0", state.Items[0].UniqueKey)
}

func TestFetchPage(t *testing.T) {
	ts := newTestServer(t)
	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "ml"})

	var state models.FeedState
	status := ts.do(t, http.MethodPost, "/api/feeds/"+session.Id+"/page", nil, &state)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, state.Items, 30)
	assert.Equal(t, 30, state.Cursor)

	status = ts.do(t, http.MethodPost, "/api/feeds/"+session.Id+"/page?reset=true", nil, &state)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, state.Items, 10)
	assert.Equal(t, 10, state.Cursor)

	assert.Equal(t, []call{
		{query: "ml", offset: 0, limit: 10},
		{query: "ml", offset: 10, limit: 20},
		{query: "ml", offset: 0, limit: 10},
	}, ts.source.Calls())

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/feeds/"+session.Id+"/page?reset=maybe", nil, nil))
}

func TestFetchPageError(t *testing.T) {
	ts := newTestServer(t)
	ts.source.fail = true

	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "ml"})

	assert.Equal(t, "error", session.State.Status)
	assert.Equal(t, feeds.UserFacingError, session.State.LastError)
	assert.Empty(t, session.State.Items)
	assert.True(t, session.State.HasMore)
}

func TestConsumeItem(t *testing.T) {
	ts := newTestServer(t)
	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "deep learning"})

	// Keys contain spaces and must be escaped in the path
	var response models.ConsumeResponse
	status := ts.do(t, http.MethodDelete, "/api/feeds/"+session.Id+"/items/deep%20learning-0", nil, &response)
	require.Equal(t, http.StatusOK, status)

	assert.True(t, response.Removed)
	assert.False(t, response.Refilling)
	assert.Len(t, response.State.Items, 9)
	assert.Equal(t, "deep learning-1", response.State.Items[0].UniqueKey)

	status = ts.do(t, http.MethodDelete, "/api/feeds/"+session.Id+"/items/unknown", nil, &response)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, response.Removed)
	assert.Len(t, response.State.Items, 9)
}

func TestConsumeTriggersRefill(t *testing.T) {
	ts := newTestServer(t)
	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "ml"})

	var response models.ConsumeResponse
	for i := 0; i < 5; i++ {
		status := ts.do(t, http.MethodDelete, fmt.Sprintf("/api/feeds/%s/items/ml-%d", session.Id, i), nil, &response)
		require.Equal(t, http.StatusOK, status)
	}
	assert.True(t, response.Refilling)

	s, err := ts.sessions.Get(session.Id)
	require.NoError(t, err)
	s.Controller.Wait()

	var state models.FeedState
	ts.do(t, http.MethodGet, "/api/feeds/"+session.Id, nil, &state)
	assert.Len(t, state.Items, 25)
	assert.Equal(t, 30, state.Cursor)
	assert.Equal(t, "ready", state.Status)
}

func TestDeleteFeed(t *testing.T) {
	ts := newTestServer(t)
	session := ts.createFeed(t, models.CreateFeedRequest{Topic: "ml"})

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/feeds/"+session.Id, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/feeds/"+session.Id, nil, nil))
	assert.Equal(t, 0, ts.sessions.Len())
}

func TestInterestsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	var response models.InterestsResponse
	status := ts.do(t, http.MethodGet, "/api/users/alice/interests", nil, &response)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", response.User)
	assert.Empty(t, response.Interests)

	status = ts.do(t, http.MethodPost, "/api/users/alice/interests", models.TopicRequest{Topic: "machine learning"}, &response)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, []string{"machine learning"}, response.Interests)

	status = ts.do(t, http.MethodPost, "/api/users/alice/interests", models.TopicRequest{Topic: "machine learning"}, &response)
	require.Equal(t, http.StatusOK, status)

	status = ts.do(t, http.MethodPost, "/api/users/alice/interests", models.TopicRequest{Topic: " "}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = ts.do(t, http.MethodDelete, "/api/users/alice/interests/machine%20learning", nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = ts.do(t, http.MethodDelete, "/api/users/alice/interests/machine%20learning", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSearchPapersEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var result models.PaperSearchResult
	status := ts.do(t, http.MethodGet, "/api/papers/search?query=graph%20neural%20networks&limit=5&offset=20", nil, &result)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, 100, result.Total)
	assert.Equal(t, 20, result.Offset)
	require.Len(t, result.Data, 5)
	assert.Equal(t, "paper-20", result.Data[0].PaperId)
	assert.Equal(t, []call{{query: "graph neural networks", offset: 20, limit: 5}}, ts.source.Calls())
}

func TestSearchPapersDefaults(t *testing.T) {
	ts := newTestServer(t)

	var result models.PaperSearchResult
	status := ts.do(t, http.MethodGet, "/api/papers/search?query=ml", nil, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, result.Data, 10)
	assert.Equal(t, []call{{query: "ml", offset: 0, limit: 10}}, ts.source.Calls())
}

func TestSearchInvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{name: "missing query", target: "/api/papers/search"},
		{name: "blank query", target: "/api/authors/search?query=%20%20"},
		{name: "zero limit", target: "/api/papers/search?query=ml&limit=0"},
		{name: "limit too large", target: "/api/papers/search?query=ml&limit=101"},
		{name: "limit not a number", target: "/api/authors/search?query=ml&limit=ten"},
		{name: "negative offset", target: "/api/papers/search?query=ml&offset=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			var body map[string]string
			status := ts.do(t, http.MethodGet, tt.target, nil, &body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotEmpty(t, body["error"])
			assert.Empty(t, ts.source.Calls())
		})
	}
}

func TestSearchAuthorsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var result models.AuthorSearchResult
	status := ts.do(t, http.MethodGet, "/api/authors/search?query=Ashish%20Vaswani", nil, &result)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, 1, result.Total)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "40348417", result.Data[0].AuthorId)
	assert.Equal(t, "Ashish Vaswani", result.Data[0].Name)
	assert.Equal(t, []call{{query: "Ashish Vaswani", offset: 0, limit: 10}}, ts.source.Calls())
}

func TestSearchUpstreamError(t *testing.T) {
	for _, target := range []string{"/api/papers/search?query=ml", "/api/authors/search?query=ml"} {
		t.Run(target, func(t *testing.T) {
			ts := newTestServer(t)
			ts.source.fail = true

			var body map[string]string
			status := ts.do(t, http.MethodGet, target, nil, &body)
			assert.Equal(t, http.StatusBadGateway, status)
			assert.Equal(t, "Unable to search. Please try again later.", body["error"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createFeed(t, models.CreateFeedRequest{Topic: "ml"})

	resp, err := ts.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "paperfeed_sessions_active")
	assert.Contains(t, string(body), "paperfeed_feed_fetches_total")
}

func TestSessionBroadcast(t *testing.T) {
	ts := newTestServer(t)
	session := ts.sessions.Create("", nil)

	key, events := session.Subscribe()
	session.Controller.SelectTopic(context.Background(), "ml")

	// Only the latest state is kept for a slow subscriber
	event := <-events
	assert.Equal(t, "ml", event.State.Topic)
	assert.Equal(t, "ready", event.State.Status)
	assert.Len(t, event.State.Items, 10)

	session.Unsubscribe(key)
	_, ok := <-events
	assert.False(t, ok)
}

func TestSessionCloseEndsSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	session := ts.sessions.Create("", nil)

	_, events := session.Subscribe()
	require.NoError(t, ts.sessions.Remove(session.Id))

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}

	_, late := session.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

func TestSessionsTidy(t *testing.T) {
	ts := newTestServer(t)

	idle := ts.sessions.Create("", nil)
	idle.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

	streaming := ts.sessions.Create("", nil)
	streaming.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	streaming.Subscribe()

	fresh := ts.sessions.Create("", nil)

	assert.Equal(t, 1, ts.sessions.Tidy(30*time.Minute))

	_, err := ts.sessions.Get(idle.Id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = ts.sessions.Get(streaming.Id)
	assert.NoError(t, err)
	_, err = ts.sessions.Get(fresh.Id)
	assert.NoError(t, err)
}
