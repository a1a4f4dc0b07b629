// Package search provides keyword search over suggestions and formal
// proposals. Meilisearch serves queries while it is healthy; the title
// substring lookup in PostgreSQL takes over otherwise.
package search

import "context"

// Kind values match store.KindSuggestion and store.KindFormal.
const (
	KindSuggestion = "suggestion"
	KindFormal     = "formal"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Kind    string `json:"kind"`
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Kind   string // empty = both kinds
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results  []Result `json:"results"`
	Total    int      `json:"total"`
	Query    string   `json:"query"`
	Degraded bool     `json:"degraded"`
}

// Searcher can execute a keyword search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push records into a search index.
type Indexer interface {
	Index(kind string, rec Record) error
	IndexAll(kind string, recs []Record) error
	Delete(kind string, id int64) error
}

// Backend is a search engine that both answers queries and accepts records.
type Backend interface {
	Searcher
	Indexer
}

// Record is the data we index for a suggestion or formal proposal.
type Record struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Status string `json:"status"`
}
