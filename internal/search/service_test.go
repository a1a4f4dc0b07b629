package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"docket/api/internal/store"
	meili "github.com/meilisearch/meilisearch-go"
)

type fakeBackend struct {
	mu        sync.Mutex
	healthy   bool
	results   []Result
	searchErr error
	indexed   map[string][]Record
	deleted   []int64
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) Search(_ context.Context, q Query) ([]Result, int, error) {
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, len(f.results), nil
}

func (f *fakeBackend) Index(kind string, rec Record) error {
	return f.IndexAll(kind, []Record{rec})
}

func (f *fakeBackend) IndexAll(kind string, recs []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexed == nil {
		f.indexed = map[string][]Record{}
	}
	f.indexed[kind] = append(f.indexed[kind], recs...)
	return nil
}

func (f *fakeBackend) Delete(_ string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeTitles struct {
	matches []store.TitleMatch
	err     error
}

func (f *fakeTitles) SearchTitles(_ context.Context, _ string, limit int) ([]store.TitleMatch, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.matches) > limit {
		return f.matches[:limit], nil
	}
	return f.matches, nil
}

func TestSearchUsesHealthyPrimary(t *testing.T) {
	primary := &fakeBackend{healthy: true, results: []Result{{Kind: KindSuggestion, ID: 3, Title: "Bus lanes"}}}
	svc := NewService(primary, NewTitleFallback(&fakeTitles{}), nil)

	resp := svc.Search(context.Background(), Query{Text: "bus"})
	if resp.Degraded || len(resp.Results) != 1 || resp.Results[0].ID != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchFallsBack(t *testing.T) {
	titles := &fakeTitles{matches: []store.TitleMatch{
		{Kind: store.KindSuggestion, ID: 1, Title: "Bus lanes", Status: "unreviewed"},
		{Kind: store.KindFormal, ID: 2, Title: "Bus depots", Status: "handling"},
	}}
	tests := []struct {
		name    string
		primary Backend
	}{
		{name: "not configured"},
		{name: "unhealthy", primary: &fakeBackend{healthy: false}},
		{name: "query error", primary: &fakeBackend{healthy: true, searchErr: errors.New("boom")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.primary, NewTitleFallback(titles), nil)
			resp := svc.Search(context.Background(), Query{Text: "bus", Kind: KindFormal})
			if !resp.Degraded {
				t.Fatal("expected degraded response")
			}
			if len(resp.Results) != 1 || resp.Results[0].ID != 2 || resp.Results[0].Status != "handling" {
				t.Fatalf("unexpected results %+v", resp.Results)
			}
		})
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	svc := NewService(nil, NewTitleFallback(&fakeTitles{err: errors.New("db down")}), nil)
	resp := svc.Search(context.Background(), Query{Text: "bus"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
}

func TestTitleFallbackPaging(t *testing.T) {
	var matches []store.TitleMatch
	for i := int64(1); i <= 5; i++ {
		matches = append(matches, store.TitleMatch{Kind: store.KindSuggestion, ID: i, Title: "road"})
	}
	fb := NewTitleFallback(&fakeTitles{matches: matches})

	results, total, err := fb.Search(context.Background(), Query{Text: "road", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 5 || len(results) != 2 || results[0].ID != 3 {
		t.Fatalf("unexpected page: total=%d results=%+v", total, results)
	}

	results, _, err = fb.Search(context.Background(), Query{Text: "road", Limit: 2, Offset: 10})
	if err != nil || len(results) != 0 {
		t.Fatalf("expected empty page, got %+v, %v", results, err)
	}
}

func TestIndexingIsSkippedWhenPrimaryUnhealthy(t *testing.T) {
	primary := &fakeBackend{healthy: false}
	svc := NewService(primary, nil, nil)
	svc.IndexSuggestion(store.Suggestion{ID: 1, Title: "x"})
	svc.Wait()
	if len(primary.indexed) != 0 {
		t.Fatalf("expected no indexing, got %+v", primary.indexed)
	}
}

func TestIndexAndRemove(t *testing.T) {
	primary := &fakeBackend{healthy: true}
	svc := NewService(primary, nil, nil)

	svc.IndexSuggestion(store.Suggestion{ID: 4, Title: "Bus lanes", Brief: "brief", Recommendation: "rec", Status: store.SuggestionUnreviewed})
	svc.IndexFormal(store.FormalProposal{ID: 9, Title: "Transit plan", Reason: "reason", Status: store.FormalUnhandled})
	svc.Remove(KindSuggestion, 4)
	svc.Wait()

	if got := primary.indexed[KindSuggestion]; len(got) != 1 || got[0].Body != "brief\n\nrec" {
		t.Fatalf("unexpected suggestion records %+v", got)
	}
	if got := primary.indexed[KindFormal]; len(got) != 1 || got[0].Status != "unhandled" {
		t.Fatalf("unexpected formal records %+v", got)
	}
	if len(primary.deleted) != 1 || primary.deleted[0] != 4 {
		t.Fatalf("unexpected deletes %+v", primary.deleted)
	}
}

func TestReindex(t *testing.T) {
	primary := &fakeBackend{healthy: true}
	svc := NewService(primary, nil, nil)
	svc.Reindex(context.Background(), func(context.Context) ([]store.TitleMatch, error) {
		return []store.TitleMatch{
			{Kind: store.KindSuggestion, ID: 1, Title: "a"},
			{Kind: store.KindSuggestion, ID: 2, Title: "b"},
			{Kind: store.KindFormal, ID: 3, Title: "c"},
		}, nil
	})
	if len(primary.indexed[KindSuggestion]) != 2 || len(primary.indexed[KindFormal]) != 1 {
		t.Fatalf("unexpected reindex %+v", primary.indexed)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`12`),
		"title":      json.RawMessage(`"Bus lanes"`),
		"body":       json.RawMessage(`"Add lanes downtown"`),
		"status":     json.RawMessage(`"docketed"`),
		"_formatted": json.RawMessage(`{"id":"12","title":"<mark>Bus</mark> lanes","body":""}`),
	}
	got := hitToResult(hit, KindSuggestion)
	want := Result{Kind: KindSuggestion, ID: 12, Title: "<mark>Bus</mark> lanes", Snippet: "Add lanes downtown", Status: "docketed"}
	if got != want {
		t.Fatalf("hitToResult() = %+v, want %+v", got, want)
	}
}
