package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"docket/api/internal/config"
	"docket/api/internal/llm"
	"docket/api/internal/notify"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

// memStore is a transactional in-memory store. Each InTx works on a copy of
// the data that is only published when fn returns nil.
type memStore struct {
	mu   sync.Mutex
	now  func() time.Time
	data memData

	pingErr error
	// failOn makes the named Tx method fail once reached.
	failOn map[string]error
	// conflicts is how many WriteCoSignerSummary calls report a lost race.
	conflicts int
	commits   int
	attempts  int
}

type memData struct {
	suggestions map[int64]store.Suggestion
	formals     map[int64]store.FormalProposal
	invitations []store.EndorsementInvitation
	members     map[string]store.Member
	nextSug     int64
	nextFormal  int64
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now: now,
		data: memData{
			suggestions: map[int64]store.Suggestion{},
			formals:     map[int64]store.FormalProposal{},
			members:     map[string]store.Member{},
			nextSug:     1,
			nextFormal:  1,
		},
	}
}

func (d memData) clone() memData {
	out := memData{
		suggestions: make(map[int64]store.Suggestion, len(d.suggestions)),
		formals:     make(map[int64]store.FormalProposal, len(d.formals)),
		invitations: append([]store.EndorsementInvitation(nil), d.invitations...),
		members:     d.members,
		nextSug:     d.nextSug,
		nextFormal:  d.nextFormal,
	}
	for id, s := range d.suggestions {
		out.suggestions[id] = s
	}
	for id, f := range d.formals {
		out.formals[id] = f
	}
	return out
}

func (m *memStore) addMember(ref, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.members[ref] = store.Member{Ref: ref, DisplayName: name, Email: ref + "@example.org", Role: string(rbac.RoleRepresentative)}
}

// seedSuggestion inserts a suggestion directly, bypassing the service.
func (m *memStore) seedSuggestion(item store.Suggestion) store.Suggestion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == 0 {
		item.ID = m.data.nextSug
	}
	if item.ID >= m.data.nextSug {
		m.data.nextSug = item.ID + 1
	}
	if item.Status == "" {
		item.Status = store.SuggestionUnreviewed
	}
	item.Version = 1
	item.CreatedAt = m.now()
	item.UpdatedAt = item.CreatedAt
	m.data.suggestions[item.ID] = item
	return item
}

func (m *memStore) suggestion(id int64) store.Suggestion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.suggestions[id]
}

func (m *memStore) formalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data.formals)
}

func (m *memStore) setStatus(id int64, status store.SuggestionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.data.suggestions[id]
	s.Status = status
	m.data.suggestions[id] = s
}

func (m *memStore) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	tx := &memTx{m: m, d: m.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.data = tx.d
	m.commits++
	return nil
}

func (m *memStore) GetSuggestion(_ context.Context, id int64) (store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data.suggestions[id]
	if !ok {
		return store.Suggestion{}, sql.ErrNoRows
	}
	return s, nil
}

func (m *memStore) GetSuggestions(_ context.Context, ids []int64) ([]store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.byIDs(ids), nil
}

func (m *memStore) ListSuggestions(_ context.Context, filter store.SuggestionFilter) ([]store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Suggestion
	for _, s := range m.data.suggestions {
		if s.Deleted() && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.AuthorRef != "" && !s.AuthoredBy(filter.AuthorRef) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) GetFormalProposal(_ context.Context, id int64) (store.FormalProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.data.formals[id]
	if !ok {
		return store.FormalProposal{}, sql.ErrNoRows
	}
	return f, nil
}

func (m *memStore) ListInvitations(_ context.Context, suggestionID int64) ([]store.EndorsementInvitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ledger(suggestionID), nil
}

func (m *memStore) GetMembers(_ context.Context, refs []string) (map[string]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.lookupMembers(refs), nil
}

func (m *memStore) SearchTitles(_ context.Context, text string, limit int) ([]store.TitleMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(text)
	var out []store.TitleMatch
	ids := make([]int64, 0, len(m.data.suggestions))
	for id := range m.data.suggestions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s := m.data.suggestions[id]
		if !s.Deleted() && strings.Contains(strings.ToLower(s.Title), needle) {
			out = append(out, store.TitleMatch{Kind: store.KindSuggestion, ID: s.ID, Title: s.Title, Status: string(s.Status)})
		}
	}
	for _, f := range m.data.formals {
		if strings.Contains(strings.ToLower(f.Title), needle) {
			out = append(out, store.TitleMatch{Kind: store.KindFormal, ID: f.ID, Title: f.Title, Status: string(f.Status)})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d memData) byIDs(ids []int64) []store.Suggestion {
	out := make([]store.Suggestion, 0, len(ids))
	for _, id := range ids {
		if s, ok := d.suggestions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (d memData) ledger(suggestionID int64) []store.EndorsementInvitation {
	var out []store.EndorsementInvitation
	for _, inv := range d.invitations {
		if inv.SuggestionID == suggestionID {
			out = append(out, inv)
		}
	}
	return out
}

func (d memData) lookupMembers(refs []string) map[string]store.Member {
	out := make(map[string]store.Member, len(refs))
	for _, ref := range refs {
		if member, ok := d.members[ref]; ok {
			out[ref] = member
		}
	}
	return out
}

type memTx struct {
	m *memStore
	d memData
}

func (t *memTx) fail(op string) error {
	if err, ok := t.m.failOn[op]; ok {
		return err
	}
	return nil
}

func (t *memTx) LockSuggestion(_ context.Context, id int64) (store.Suggestion, error) {
	s, ok := t.d.suggestions[id]
	if !ok {
		return store.Suggestion{}, sql.ErrNoRows
	}
	return s, nil
}

func (t *memTx) LockSuggestions(_ context.Context, ids []int64) ([]store.Suggestion, error) {
	return t.d.byIDs(ids), nil
}

func (t *memTx) InsertSuggestion(_ context.Context, item store.Suggestion) (store.Suggestion, error) {
	if err := t.fail("InsertSuggestion"); err != nil {
		return store.Suggestion{}, err
	}
	item.ID = t.d.nextSug
	t.d.nextSug++
	if item.Status == "" {
		item.Status = store.SuggestionUnreviewed
	}
	item.Version = 1
	item.CreatedAt = t.m.now()
	item.UpdatedAt = item.CreatedAt
	t.d.suggestions[item.ID] = item
	return item, nil
}

func (t *memTx) UpdateSuggestionContent(_ context.Context, item store.Suggestion) error {
	s := t.d.suggestions[item.ID]
	s.Title, s.Brief, s.Analysis, s.Recommendation = item.Title, item.Brief, item.Analysis, item.Recommendation
	s.UpdatedAt = t.m.now()
	t.d.suggestions[item.ID] = s
	return nil
}

func (t *memTx) SoftDeleteSuggestion(_ context.Context, id int64) error {
	s := t.d.suggestions[id]
	now := t.m.now()
	s.DeletedAt = &now
	t.d.suggestions[id] = s
	return nil
}

func (t *memTx) SetSuggestionStatus(_ context.Context, id int64, status store.SuggestionStatus) error {
	s := t.d.suggestions[id]
	s.Status = status
	t.d.suggestions[id] = s
	return nil
}

func (t *memTx) WriteCoSignerSummary(_ context.Context, id int64, expectedVersion int, summary string) (int, error) {
	if t.m.conflicts > 0 {
		t.m.conflicts--
		return 0, store.ErrConflict
	}
	s, ok := t.d.suggestions[id]
	if !ok || s.Version != expectedVersion {
		return 0, store.ErrConflict
	}
	s.CoSignerSummary = summary
	s.Version++
	t.d.suggestions[id] = s
	return s.Version, nil
}

func (t *memTx) ConsumeSuggestions(_ context.Context, ids []int64, formalID int64, mergeSet []int64) error {
	if err := t.fail("ConsumeSuggestions"); err != nil {
		return err
	}
	for _, id := range ids {
		s, ok := t.d.suggestions[id]
		if !ok || s.Consumed() {
			return store.ErrConflict
		}
		fid := formalID
		s.ConsumedByFormalID = &fid
		if len(mergeSet) > 0 {
			s.MergeSourceIDs = append([]int64(nil), mergeSet...)
		}
		if s.Status == store.SuggestionUnreviewed {
			s.Status = store.SuggestionDocketed
		}
		t.d.suggestions[id] = s
	}
	return nil
}

func (t *memTx) RewindSuggestions(_ context.Context, ids []int64) error {
	if err := t.fail("RewindSuggestions"); err != nil {
		return err
	}
	for _, id := range ids {
		s, ok := t.d.suggestions[id]
		if !ok {
			continue
		}
		s.Status = store.SuggestionUnreviewed
		s.ConsumedByFormalID = nil
		s.MergeSourceIDs = nil
		t.d.suggestions[id] = s
	}
	return nil
}

func (t *memTx) InsertFormalProposal(_ context.Context, item store.FormalProposal) (store.FormalProposal, error) {
	if err := t.fail("InsertFormalProposal"); err != nil {
		return store.FormalProposal{}, err
	}
	item.ID = t.d.nextFormal
	t.d.nextFormal++
	item.CreatedAt = t.m.now()
	item.UpdatedAt = item.CreatedAt
	t.d.formals[item.ID] = item
	return item, nil
}

func (t *memTx) SetFormalCode(_ context.Context, id int64, code string) error {
	f := t.d.formals[id]
	f.Code = code
	t.d.formals[id] = f
	return nil
}

func (t *memTx) LockFormalProposal(_ context.Context, id int64) (store.FormalProposal, error) {
	f, ok := t.d.formals[id]
	if !ok {
		return store.FormalProposal{}, sql.ErrNoRows
	}
	return f, nil
}

func (t *memTx) SetFormalStatus(_ context.Context, id int64, status store.FormalStatus) error {
	f := t.d.formals[id]
	f.Status = status
	t.d.formals[id] = f
	return nil
}

func (t *memTx) DeleteFormalProposal(_ context.Context, id int64) error {
	if err := t.fail("DeleteFormalProposal"); err != nil {
		return err
	}
	if _, ok := t.d.formals[id]; !ok {
		return sql.ErrNoRows
	}
	delete(t.d.formals, id)
	return nil
}

func (t *memTx) RecentMergeByFingerprint(_ context.Context, fingerprint string, since time.Time) (*store.FormalProposal, error) {
	var found *store.FormalProposal
	for _, f := range t.d.formals {
		if f.Origin != store.OriginMerged || f.SourceFingerprint != fingerprint || f.CreatedAt.Before(since) {
			continue
		}
		if found == nil || f.CreatedAt.After(found.CreatedAt) {
			item := f
			found = &item
		}
	}
	return found, nil
}

func (t *memTx) ListInvitations(_ context.Context, suggestionID int64) ([]store.EndorsementInvitation, error) {
	return t.d.ledger(suggestionID), nil
}

func (t *memTx) InsertInvitation(_ context.Context, item store.EndorsementInvitation) (bool, error) {
	for _, inv := range t.d.invitations {
		if inv.SuggestionID == item.SuggestionID && inv.InviteeRef == item.InviteeRef {
			return false, nil
		}
	}
	if item.State == "" {
		item.State = store.EndorsementPending
	}
	item.CreatedAt = t.m.now()
	t.d.invitations = append(t.d.invitations, item)
	return true, nil
}

func (t *memTx) RespondInvitation(_ context.Context, suggestionID int64, inviteeRef string, state store.EndorsementState, at time.Time) (bool, error) {
	for i, inv := range t.d.invitations {
		if inv.SuggestionID == suggestionID && inv.InviteeRef == inviteeRef && inv.State == store.EndorsementPending {
			inv.State = state
			responded := at
			inv.RespondedAt = &responded
			t.d.invitations[i] = inv
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SetInvitationsRemoved(_ context.Context, suggestionID int64, refs []string, removed bool, at time.Time) error {
	want := make(map[string]bool, len(refs))
	for _, ref := range refs {
		want[ref] = true
	}
	for i, inv := range t.d.invitations {
		if inv.SuggestionID != suggestionID || !want[inv.InviteeRef] {
			continue
		}
		if removed {
			ts := at
			inv.RemovedAt = &ts
		} else {
			inv.RemovedAt = nil
		}
		t.d.invitations[i] = inv
	}
	return nil
}

func (t *memTx) GetMembers(_ context.Context, refs []string) (map[string]store.Member, error) {
	return t.d.lookupMembers(refs), nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeDrafter struct {
	mu    sync.Mutex
	calls int
	texts [][]string
	err   error
}

func (f *fakeDrafter) Draft(_ context.Context, sourceTexts []string) (llm.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, sourceTexts)
	if f.err != nil {
		return llm.Draft{}, f.err
	}
	return llm.Draft{
		Title:          "Drafted proposal",
		Reason:         "Combined reasoning",
		Recommendation: "Act on it",
		ManagingUnit:   "Public Works",
	}, nil
}

func (f *fakeDrafter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sentNotice struct {
	Recipients []string
	Kind       notify.Kind
	Params     map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (f *fakeNotifier) Notify(_ context.Context, recipients []string, kind notify.Kind, params map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotice{Recipients: append([]string(nil), recipients...), Kind: kind, Params: params})
}

func (f *fakeNotifier) byKind(kind notify.Kind) []sentNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentNotice
	for _, n := range f.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type testEnv struct {
	svc      *Service
	store    *memStore
	clock    *fakeClock
	drafter  *fakeDrafter
	notifier *fakeNotifier
}

var (
	operator = Actor{Ref: "op", Name: "Operator", Role: rbac.RoleOperator}
	authorA  = Actor{Ref: "A", Name: "Alice", Role: rbac.RoleRepresentative}
)

func newTestEnv() *testEnv {
	clock := newFakeClock()
	st := newMemStore(clock.Now)
	for ref, name := range map[string]string{"A": "Alice", "B": "Bob", "C": "Carol", "D": "Dan", "op": "Operator"} {
		st.addMember(ref, name)
	}
	drafter := &fakeDrafter{}
	notifier := &fakeNotifier{}
	svc := New(config.Config{
		PublicURL:  "https://docket.example.org",
		LinkSecret: "test-secret",
		LinkTTL:    24 * time.Hour,
	}, st, Dependencies{
		Drafter:  drafter,
		Notifier: notifier,
		Logger:   zap.NewNop(),
		Clock:    clock.Now,
	})
	return &testEnv{svc: svc, store: st, clock: clock, drafter: drafter, notifier: notifier}
}

func ptr[T any](v T) *T { return &v }
