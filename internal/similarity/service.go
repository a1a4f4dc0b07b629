package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"docket/api/internal/store"
	"go.uber.org/zap"
)

var ErrEmptyQuery = errors.New("query text is empty")

var errEmptyPool = errors.New("no cached vectors")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorCache interface {
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, kind string, id int64) error
	All(ctx context.Context) ([]Entry, error)
}

// TitleSearcher is the substring fallback used while embeddings are unavailable.
type TitleSearcher interface {
	SearchTitles(ctx context.Context, text string, limit int) ([]store.TitleMatch, error)
}

type Candidate struct {
	Kind  string  `json:"kind"`
	ID    int64   `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Result carries Degraded=true when candidates came from the title fallback;
// every Score is zero in that case.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Degraded   bool        `json:"degraded"`
}

type Service struct {
	embedder Embedder
	cache    VectorCache
	titles   TitleSearcher
	topK     int
	log      *zap.Logger
}

func NewService(embedder Embedder, cache VectorCache, titles TitleSearcher, topK int, log *zap.Logger) *Service {
	if topK <= 0 {
		topK = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{embedder: embedder, cache: cache, titles: titles, topK: topK, log: log}
}

// FindSimilar never fails because the embedding side is down; only an empty
// query or a failing fallback lookup is reported as an error.
func (s *Service) FindSimilar(ctx context.Context, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, ErrEmptyQuery
	}

	candidates, err := s.rank(ctx, query)
	if err == nil {
		return Result{Candidates: candidates}, nil
	}
	s.log.Warn("similarity lookup degraded to title match", zap.Error(err))

	matches, err := s.titles.SearchTitles(ctx, query, s.topK)
	if err != nil {
		return Result{}, fmt.Errorf("title fallback: %w", err)
	}
	candidates = make([]Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, Candidate{Kind: m.Kind, ID: m.ID, Title: m.Title})
	}
	return Result{Candidates: candidates, Degraded: true}, nil
}

func (s *Service) rank(ctx context.Context, query string) ([]Candidate, error) {
	if s.embedder == nil || s.cache == nil {
		return nil, errors.New("similarity backend not configured")
	}
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	pool, err := s.cache.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, errEmptyPool
	}

	candidates := make([]Candidate, 0, len(pool))
	for _, entry := range pool {
		score, ok := cosine(vector, entry.Vector)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Kind: entry.Kind, ID: entry.ID, Title: entry.Title, Score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Kind != candidates[j].Kind {
			return candidates[i].Kind < candidates[j].Kind
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > s.topK {
		candidates = candidates[:s.topK]
	}
	return candidates, nil
}

// Reindex embeds every record returned by load that has no cached vector yet
// and drops cached vectors whose record is gone. Failures are logged; a
// record that cannot be embedded now is picked up by the next run.
func (s *Service) Reindex(ctx context.Context, load func(context.Context) ([]store.TitleMatch, error)) {
	if s.embedder == nil || s.cache == nil {
		return
	}
	items, err := load(ctx)
	if err != nil {
		s.log.Error("similarity reindex load failed", zap.Error(err))
		return
	}
	cached, err := s.cache.All(ctx)
	if err != nil {
		s.log.Error("similarity reindex read cache failed", zap.Error(err))
		return
	}
	have := make(map[string]bool, len(cached))
	for _, entry := range cached {
		have[poolKey(entry.Kind, entry.ID)] = true
	}

	live := make(map[string]bool, len(items))
	added := 0
	for _, item := range items {
		key := poolKey(item.Kind, item.ID)
		live[key] = true
		if have[key] {
			continue
		}
		if err := s.Index(ctx, item.Kind, item.ID, item.Title, item.Title+"\n"+item.Body); err != nil {
			s.log.Warn("similarity reindex skipped record", zap.String("kind", item.Kind), zap.Int64("id", item.ID), zap.Error(err))
			if ctx.Err() != nil {
				return
			}
			continue
		}
		added++
	}
	dropped := 0
	for _, entry := range cached {
		if live[poolKey(entry.Kind, entry.ID)] {
			continue
		}
		if err := s.cache.Delete(ctx, entry.Kind, entry.ID); err != nil {
			s.log.Warn("similarity reindex delete failed", zap.String("kind", entry.Kind), zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		dropped++
	}
	s.log.Info("similarity reindexed", zap.Int("added", added), zap.Int("dropped", dropped), zap.Int("total", len(items)))
}

func poolKey(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}

// Index embeds text and stores it as the vector for (kind, id).
func (s *Service) Index(ctx context.Context, kind string, id int64, title, text string) error {
	if s.embedder == nil || s.cache == nil {
		return nil
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s %d: %w", kind, id, err)
	}
	return s.cache.Put(ctx, Entry{Kind: kind, ID: id, Title: title, Vector: vector})
}

func (s *Service) Remove(ctx context.Context, kind string, id int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, kind, id)
}

// cosine returns false when the vectors cannot be compared.
func cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
