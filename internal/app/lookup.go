package app

import (
	"context"
	"errors"
	"strings"

	"docket/api/internal/search"
	"docket/api/internal/similarity"
)

const fallbackLimit = 10

// FindSimilar ranks existing proposals against query. It degrades to a title
// substring match instead of failing when embeddings are unavailable.
func (s *Service) FindSimilar(ctx context.Context, query string) (similarity.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return similarity.Result{}, validationError("query is required", nil)
	}
	if s.similarity != nil {
		result, err := s.similarity.FindSimilar(ctx, query)
		if errors.Is(err, similarity.ErrEmptyQuery) {
			return similarity.Result{}, validationError("query is required", nil)
		}
		if err != nil {
			return similarity.Result{}, classify(err)
		}
		if result.Candidates == nil {
			result.Candidates = []similarity.Candidate{}
		}
		return result, nil
	}

	matches, err := s.store.SearchTitles(ctx, query, fallbackLimit)
	if err != nil {
		return similarity.Result{}, classify(err)
	}
	candidates := make([]similarity.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, similarity.Candidate{Kind: m.Kind, ID: m.ID, Title: m.Title})
	}
	return similarity.Result{Candidates: candidates, Degraded: true}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, validationError("query is required", nil)
	}
	if q.Kind != "" && q.Kind != search.KindSuggestion && q.Kind != search.KindFormal {
		return search.Response{}, validationError("kind must be suggestion or formal", map[string]any{"kind": q.Kind})
	}
	if s.search != nil {
		return s.search.Search(ctx, q), nil
	}
	results, total, err := search.NewTitleFallback(s.store).Search(ctx, q)
	if err != nil {
		return search.Response{}, classify(err)
	}
	if results == nil {
		results = []search.Result{}
	}
	return search.Response{Results: results, Total: total, Query: q.Text, Degraded: true}, nil
}
