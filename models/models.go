package models

// Author of a paper as returned by the search API
type Author struct {
	AuthorId string `json:"authorId,omitempty"`
	Name     string `json:"name"`
}

// OpenAccessPdf points at a freely available copy of a paper
type OpenAccessPdf struct {
	Url    string `json:"url"`
	Status string `json:"status,omitempty"`
}

// Paper model with the fields requested from the search API
type Paper struct {
	PaperId          string                 `json:"paperId"`
	Title            string                 `json:"title"`
	Url              string                 `json:"url,omitempty"`
	Venue            string                 `json:"venue,omitempty"`
	Year             int                    `json:"year,omitempty"`
	Authors          []Author               `json:"authors"`
	Abstract         string                 `json:"abstract,omitempty"`
	CitationCount    int                    `json:"citationCount"`
	PublicationTypes []string               `json:"publicationTypes,omitempty"`
	ExternalIds      map[string]interface{} `json:"externalIds,omitempty"` // CorpusId is numeric
	CitationStyles   map[string]string      `json:"citationStyles,omitempty"`
	OpenAccessPdf    *OpenAccessPdf         `json:"openAccessPdf,omitempty"`
}

// FeedItem is a paper buffered in a feed, tagged with the feed's synthetic key
type FeedItem struct {
	Paper
	UniqueKey string `json:"uniqueKey"`
}

// Page is one page of results from a paginated source.
// TotalReturned counts everything the source returned, before any filtering.
type Page struct {
	Items         []Paper
	TotalReturned int
}

// FeedState is the JSON view of a feed exposed to clients
type FeedState struct {
	Topic     string     `json:"topic"`
	Query     string     `json:"query"`
	Items     []FeedItem `json:"items"`
	Cursor    int        `json:"cursor"`
	HasMore   bool       `json:"hasMore"`
	Status    string     `json:"status"`
	LastError string     `json:"lastError,omitempty"`
}

// FeedSession is returned when a feed session is created
type FeedSession struct {
	Id    string    `json:"id"`
	State FeedState `json:"state"`
}

// ConsumeResponse is returned after an item is swiped away
type ConsumeResponse struct {
	Removed   bool      `json:"removed"`
	Refilling bool      `json:"refilling"`
	State     FeedState `json:"state"`
}

// StateEvent is sent to SSE clients whenever a feed changes
type StateEvent struct {
	State FeedState
}

// CreateFeedRequest opens a feed session. Topics overrides the user's stored
// interests as fallback topics.
type CreateFeedRequest struct {
	User   string   `json:"user,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

type TopicRequest struct {
	Topic string `json:"topic"`
}

type InterestsResponse struct {
	User      string   `json:"user"`
	Interests []string `json:"interests"`
}

// AuthorProfile is an author as returned by the author search, with their papers
type AuthorProfile struct {
	AuthorId      string                 `json:"authorId"`
	Name          string                 `json:"name"`
	Url           string                 `json:"url,omitempty"`
	Affiliations  []string               `json:"affiliations"`
	PaperCount    int                    `json:"paperCount"`
	CitationCount int                    `json:"citationCount"`
	HIndex        int                    `json:"hIndex"`
	ExternalIds   map[string]interface{} `json:"externalIds,omitempty"`
	Papers        []Paper                `json:"papers,omitempty"`
}

// PaperSearchResult is one page of a standalone paper search
type PaperSearchResult struct {
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Next   *int    `json:"next,omitempty"`
	Data   []Paper `json:"data"`
}

// AuthorSearchResult is one page of an author search
type AuthorSearchResult struct {
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Next   *int            `json:"next,omitempty"`
	Data   []AuthorProfile `json:"data"`
}
