package search

import (
	"context"
	"sync"

	"docket/api/internal/store"
	"go.uber.org/zap"
)

// Service is the facade that tries the primary backend first and falls back
// to the title lookup.
type Service struct {
	primary  Backend
	fallback Searcher
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary Backend, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, log: log.Named("search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("primary search failed, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Degraded: true}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Degraded: true}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Degraded: true}
}

// IndexSuggestion indexes a suggestion (fire-and-forget).
func (s *Service) IndexSuggestion(sg store.Suggestion) {
	s.async("index suggestion", sg.ID, func(b Backend) error {
		return b.Index(KindSuggestion, Record{
			ID:     sg.ID,
			Title:  sg.Title,
			Body:   joinNonBlank(sg.Brief, sg.Analysis, sg.Recommendation),
			Status: string(sg.Status),
		})
	})
}

// IndexFormal indexes a formal proposal (fire-and-forget).
func (s *Service) IndexFormal(fp store.FormalProposal) {
	s.async("index formal proposal", fp.ID, func(b Backend) error {
		return b.Index(KindFormal, Record{
			ID:     fp.ID,
			Title:  fp.Title,
			Body:   joinNonBlank(fp.Reason, fp.Recommendation),
			Status: string(fp.Status),
		})
	})
}

// Remove deletes a record from the index (fire-and-forget).
func (s *Service) Remove(kind string, id int64) {
	s.async("delete "+kind, id, func(b Backend) error {
		return b.Delete(kind, id)
	})
}

func (s *Service) async(op string, id int64, fn func(Backend) error) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.primary); err != nil {
			s.log.Warn(op, zap.Int64("id", id), zap.Error(err))
		}
	}()
}

// Wait blocks until pending index updates have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Reindex pushes every live record from the store into the primary backend.
func (s *Service) Reindex(ctx context.Context, load func(context.Context) ([]store.TitleMatch, error)) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	items, err := load(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	byKind := map[string][]Record{}
	for _, item := range items {
		byKind[item.Kind] = append(byKind[item.Kind], Record{ID: item.ID, Title: item.Title, Status: item.Status})
	}
	for kind, recs := range byKind {
		if err := s.primary.IndexAll(kind, recs); err != nil {
			s.log.Error("reindex failed", zap.String("kind", kind), zap.Error(err))
			continue
		}
		s.log.Info("reindexed", zap.String("kind", kind), zap.Int("count", len(recs)))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

func joinNonBlank(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
