package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"docket/api/internal/config"
	"docket/api/internal/llm"
	"docket/api/internal/notify"
	"docket/api/internal/rbac"
	"docket/api/internal/search"
	"docket/api/internal/similarity"
	"docket/api/internal/store"
)

// DuplicateWindow is how long a committed merge blocks an identical one.
const DuplicateWindow = 30 * time.Second

const (
	maxConflictRetries = 5
	backgroundTimeout  = 30 * time.Second
)

type dataStore interface {
	Ping(context.Context) error
	InTx(context.Context, func(store.Tx) error) error
	GetSuggestion(context.Context, int64) (store.Suggestion, error)
	GetSuggestions(context.Context, []int64) ([]store.Suggestion, error)
	ListSuggestions(context.Context, store.SuggestionFilter) ([]store.Suggestion, error)
	GetFormalProposal(context.Context, int64) (store.FormalProposal, error)
	ListInvitations(context.Context, int64) ([]store.EndorsementInvitation, error)
	GetMembers(context.Context, []string) (map[string]store.Member, error)
	SearchTitles(context.Context, string, int) ([]store.TitleMatch, error)
}

type drafter interface {
	Draft(ctx context.Context, sourceTexts []string) (llm.Draft, error)
}

type notifier interface {
	Notify(ctx context.Context, recipients []string, kind notify.Kind, params map[string]string)
}

type similarityIndex interface {
	FindSimilar(ctx context.Context, query string) (similarity.Result, error)
	Index(ctx context.Context, kind string, id int64, title, text string) error
	Remove(ctx context.Context, kind string, id int64) error
}

type keywordIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexSuggestion(s store.Suggestion)
	IndexFormal(f store.FormalProposal)
	Remove(kind string, id int64)
}

// Dependencies are the optional collaborators. Nil entries disable the
// matching feature: no drafting, no notifications, no similarity lookup
// beyond title matching, no keyword index.
type Dependencies struct {
	Drafter    drafter
	Notifier   notifier
	Similarity similarityIndex
	Search     keywordIndex
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Actor is the member performing an operation.
type Actor struct {
	Ref  string
	Name string
	Role rbac.Role
}

type Service struct {
	cfg        config.Config
	store      dataStore
	drafter    drafter
	notifier   notifier
	similarity similarityIndex
	search     keywordIndex
	log        *zap.Logger
	now        func() time.Time
	linkSecret []byte
	background sync.WaitGroup
}

func New(cfg config.Config, st dataStore, deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		cfg:        cfg,
		store:      st,
		drafter:    deps.Drafter,
		notifier:   deps.Notifier,
		similarity: deps.Similarity,
		search:     deps.Search,
		log:        log,
		now:        clock,
		linkSecret: []byte(cfg.LinkSecret),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// inTx runs fn in a store transaction, retrying from scratch when a
// conditional write lost a race. The returned error is always classified.
func (s *Service) inTx(ctx context.Context, op string, fn func(store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		err = s.store.InTx(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return classify(err)
		}
		s.log.Debug("transaction conflict, retrying", zap.String("op", op), zap.Int("attempt", attempt))
	}
	s.log.Warn("transaction conflict retries exhausted", zap.String("op", op))
	return classify(err)
}

// afterCommit runs fn on a background goroutine detached from the request's
// cancellation. Failures are logged by fn itself.
func (s *Service) afterCommit(ctx context.Context, fn func(context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		fn(bgCtx)
	}()
}

// Wait blocks until post-commit side effects have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) notify(ctx context.Context, recipients []string, kind notify.Kind, params map[string]string) {
	if s.notifier == nil || len(recipients) == 0 {
		return
	}
	s.notifier.Notify(ctx, recipients, kind, params)
}

func (s *Service) indexSuggestion(ctx context.Context, item store.Suggestion) {
	if s.search != nil {
		s.search.IndexSuggestion(item)
	}
	if s.similarity == nil {
		return
	}
	s.afterCommit(ctx, func(ctx context.Context) {
		text := item.Title + "\n" + item.Brief
		if err := s.similarity.Index(ctx, store.KindSuggestion, item.ID, item.Title, text); err != nil {
			s.log.Warn("similarity index failed", zap.Int64("suggestion_id", item.ID), zap.Error(err))
		}
	})
}

func (s *Service) indexFormal(ctx context.Context, item store.FormalProposal) {
	if s.search != nil {
		s.search.IndexFormal(item)
	}
	if s.similarity == nil {
		return
	}
	s.afterCommit(ctx, func(ctx context.Context) {
		text := item.Title + "\n" + item.Reason
		if err := s.similarity.Index(ctx, store.KindFormal, item.ID, item.Title, text); err != nil {
			s.log.Warn("similarity index failed", zap.Int64("formal_id", item.ID), zap.Error(err))
		}
	})
}

func (s *Service) unindex(ctx context.Context, kind string, id int64) {
	if s.search != nil {
		s.search.Remove(kind, id)
	}
	if s.similarity == nil {
		return
	}
	s.afterCommit(ctx, func(ctx context.Context) {
		if err := s.similarity.Remove(ctx, kind, id); err != nil {
			s.log.Warn("similarity remove failed", zap.String("kind", kind), zap.Int64("id", id), zap.Error(err))
		}
	})
}
