package search

import (
	"context"
	"strings"

	"docket/api/internal/store"
)

// TitleSearcher is implemented by store.PostgresStore.
type TitleSearcher interface {
	SearchTitles(ctx context.Context, text string, limit int) ([]store.TitleMatch, error)
}

// TitleFallback answers keyword queries with a case-insensitive substring
// match on titles.
type TitleFallback struct {
	titles TitleSearcher
}

func NewTitleFallback(titles TitleSearcher) *TitleFallback {
	return &TitleFallback{titles: titles}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (f *TitleFallback) Healthy() bool {
	return true
}

func (f *TitleFallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	// kind filtering happens here, so over-fetch to keep the page full
	matches, err := f.titles.SearchTitles(ctx, q.Text, (offset+limit)*2)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if q.Kind != "" && m.Kind != q.Kind {
			continue
		}
		results = append(results, Result{Kind: m.Kind, ID: m.ID, Title: m.Title, Status: m.Status})
	}
	total := len(results)
	if offset >= len(results) {
		return []Result{}, total, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}
