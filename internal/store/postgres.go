package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ErrConflict is returned when a conditional write matched no row because a
// concurrent writer got there first. Callers retry the whole transaction.
var ErrConflict = errors.New("store: concurrent update conflict")

// pgtype.Map is not safe for concurrent use, so array scanners borrow one.
var typeMaps = sync.Pool{New: func() any { return pgtype.NewMap() }}

type int64Array struct {
	dest *[]int64
}

func (a int64Array) Scan(src any) error {
	if src == nil {
		*a.dest = nil
		return nil
	}
	m := typeMaps.Get().(*pgtype.Map)
	defer typeMaps.Put(m)
	return m.SQLScanner(a.dest).Scan(src)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Tx is the set of writes the engine performs atomically. Every compound
// mutation runs inside exactly one Tx.
type Tx interface {
	LockSuggestion(ctx context.Context, id int64) (Suggestion, error)
	LockSuggestions(ctx context.Context, ids []int64) ([]Suggestion, error)
	InsertSuggestion(ctx context.Context, item Suggestion) (Suggestion, error)
	UpdateSuggestionContent(ctx context.Context, item Suggestion) error
	SoftDeleteSuggestion(ctx context.Context, id int64) error
	SetSuggestionStatus(ctx context.Context, id int64, status SuggestionStatus) error
	WriteCoSignerSummary(ctx context.Context, id int64, expectedVersion int, summary string) (int, error)
	ConsumeSuggestions(ctx context.Context, ids []int64, formalID int64, mergeSet []int64) error
	RewindSuggestions(ctx context.Context, ids []int64) error

	InsertFormalProposal(ctx context.Context, item FormalProposal) (FormalProposal, error)
	SetFormalCode(ctx context.Context, id int64, code string) error
	LockFormalProposal(ctx context.Context, id int64) (FormalProposal, error)
	SetFormalStatus(ctx context.Context, id int64, status FormalStatus) error
	DeleteFormalProposal(ctx context.Context, id int64) error
	RecentMergeByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*FormalProposal, error)

	ListInvitations(ctx context.Context, suggestionID int64) ([]EndorsementInvitation, error)
	InsertInvitation(ctx context.Context, item EndorsementInvitation) (bool, error)
	RespondInvitation(ctx context.Context, suggestionID int64, inviteeRef string, state EndorsementState, at time.Time) (bool, error)
	SetInvitationsRemoved(ctx context.Context, suggestionID int64, refs []string, removed bool, at time.Time) error

	GetMembers(ctx context.Context, refs []string) (map[string]Member, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a READ COMMITTED transaction, committing when fn returns
// nil and rolling back otherwise.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const suggestionColumns = `id, title, brief, analysis, recommendation, author_ref, author_name,
	co_signer_summary, status, consumed_by_formal_id, merge_source_ids, version,
	created_at, updated_at, deleted_at`

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var (
		item       Suggestion
		authorRef  sql.NullString
		consumedBy sql.NullInt64
		status     string
	)
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Brief,
		&item.Analysis,
		&item.Recommendation,
		&authorRef,
		&item.AuthorName,
		&item.CoSignerSummary,
		&status,
		&consumedBy,
		int64Array{dest: &item.MergeSourceIDs},
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.DeletedAt,
	)
	if err != nil {
		return Suggestion{}, err
	}
	item.Status = SuggestionStatus(status)
	if authorRef.Valid {
		ref := authorRef.String
		item.AuthorRef = &ref
	}
	if consumedBy.Valid {
		id := consumedBy.Int64
		item.ConsumedByFormalID = &id
	}
	return item, nil
}

const formalColumns = `id, code, title, reason, recommendation, managing_unit, status, origin,
	source_suggestion_ids, source_fingerprint, created_by, created_at, updated_at`

func scanFormal(row rowScanner) (FormalProposal, error) {
	var (
		item   FormalProposal
		status string
		origin string
	)
	err := row.Scan(
		&item.ID,
		&item.Code,
		&item.Title,
		&item.Reason,
		&item.Recommendation,
		&item.ManagingUnit,
		&status,
		&origin,
		int64Array{dest: &item.SourceSuggestionIDs},
		&item.SourceFingerprint,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return FormalProposal{}, err
	}
	item.Status = FormalStatus(status)
	item.Origin = Origin(origin)
	return item, nil
}

func getSuggestion(ctx context.Context, q queryer, id int64, lock bool) (Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanSuggestion(q.QueryRowContext(ctx, query, id))
}

func listSuggestionsByID(ctx context.Context, q queryer, ids []int64, lock bool) ([]Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE id = ANY($1) ORDER BY id`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("list suggestions by id: %w", err)
	}
	defer rows.Close()

	items := make([]Suggestion, 0, len(ids))
	for rows.Next() {
		item, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

func getFormal(ctx context.Context, q queryer, id int64, lock bool) (FormalProposal, error) {
	query := `SELECT ` + formalColumns + ` FROM formal_proposals WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanFormal(q.QueryRowContext(ctx, query, id))
}

func listInvitations(ctx context.Context, q queryer, suggestionID int64) ([]EndorsementInvitation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, suggestion_id, invitee_ref, state, created_at, responded_at, removed_at
		FROM endorsement_invitations
		WHERE suggestion_id=$1
		ORDER BY responded_at ASC NULLS LAST, created_at ASC, id ASC
	`, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]EndorsementInvitation, 0)
	for rows.Next() {
		var (
			item  EndorsementInvitation
			state string
		)
		if err := rows.Scan(&item.ID, &item.SuggestionID, &item.InviteeRef, &state, &item.CreatedAt, &item.RespondedAt, &item.RemovedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		item.State = EndorsementState(state)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

func getMembers(ctx context.Context, q queryer, refs []string) (map[string]Member, error) {
	members := make(map[string]Member, len(refs))
	if len(refs) == 0 {
		return members, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT ref, display_name, email, role
		FROM members
		WHERE ref = ANY($1)
	`, refs)
	if err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.Ref, &item.DisplayName, &item.Email, &item.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members[item.Ref] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, id int64) (Suggestion, error) {
	return getSuggestion(ctx, s.db, id, false)
}

func (s *PostgresStore) GetSuggestions(ctx context.Context, ids []int64) ([]Suggestion, error) {
	return listSuggestionsByID(ctx, s.db, ids, false)
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, filter SuggestionFilter) ([]Suggestion, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.AuthorRef != "" {
		args = append(args, filter.AuthorRef)
		where = append(where, fmt.Sprintf("author_ref = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + suggestionColumns + ` FROM suggestions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()
	items := make([]Suggestion, 0)
	for rows.Next() {
		item, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFormalProposal(ctx context.Context, id int64) (FormalProposal, error) {
	return getFormal(ctx, s.db, id, false)
}

func (s *PostgresStore) ListInvitations(ctx context.Context, suggestionID int64) ([]EndorsementInvitation, error) {
	return listInvitations(ctx, s.db, suggestionID)
}

func (s *PostgresStore) GetMembers(ctx context.Context, refs []string) (map[string]Member, error) {
	return getMembers(ctx, s.db, refs)
}

// SearchTitles is a case-insensitive substring match over live suggestion and
// formal proposal titles.
func (s *PostgresStore) SearchTitles(ctx context.Context, text string, limit int) ([]TitleMatch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []TitleMatch{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, title, status FROM (
			SELECT 'suggestion'::text AS kind, id, title, status, created_at
			FROM suggestions
			WHERE deleted_at IS NULL AND LOWER(title) LIKE $1 ESCAPE '\'
			UNION ALL
			SELECT 'formal'::text AS kind, id, title, status, created_at
			FROM formal_proposals
			WHERE LOWER(title) LIKE $1 ESCAPE '\'
		) matches
		ORDER BY created_at DESC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search titles: %w", err)
	}
	defer rows.Close()

	items := make([]TitleMatch, 0)
	for rows.Next() {
		var item TitleMatch
		if err := rows.Scan(&item.Kind, &item.ID, &item.Title, &item.Status); err != nil {
			return nil, fmt.Errorf("scan title match: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate title matches: %w", err)
	}
	return items, nil
}

// ListIndexable returns every live suggestion and formal proposal, with its
// brief or reason, for a full search or similarity reindex.
func (s *PostgresStore) ListIndexable(ctx context.Context) ([]TitleMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'suggestion'::text, id, title, status, brief FROM suggestions WHERE deleted_at IS NULL
		UNION ALL
		SELECT 'formal'::text, id, title, status, reason FROM formal_proposals
	`)
	if err != nil {
		return nil, fmt.Errorf("list indexable: %w", err)
	}
	defer rows.Close()
	items := make([]TitleMatch, 0)
	for rows.Next() {
		var item TitleMatch
		if err := rows.Scan(&item.Kind, &item.ID, &item.Title, &item.Status, &item.Body); err != nil {
			return nil, fmt.Errorf("scan indexable: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockSuggestion(ctx context.Context, id int64) (Suggestion, error) {
	return getSuggestion(ctx, t.tx, id, true)
}

func (t *pgTx) LockSuggestions(ctx context.Context, ids []int64) ([]Suggestion, error) {
	return listSuggestionsByID(ctx, t.tx, ids, true)
}

func (t *pgTx) InsertSuggestion(ctx context.Context, item Suggestion) (Suggestion, error) {
	status := item.Status
	if status == "" {
		status = SuggestionUnreviewed
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO suggestions (title, brief, analysis, recommendation, author_ref, author_name, co_signer_summary, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, version, created_at, updated_at
	`, item.Title, item.Brief, item.Analysis, item.Recommendation, item.AuthorRef, item.AuthorName, item.CoSignerSummary, string(status)).
		Scan(&item.ID, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Suggestion{}, fmt.Errorf("insert suggestion: %w", err)
	}
	item.Status = status
	return item, nil
}

func (t *pgTx) UpdateSuggestionContent(ctx context.Context, item Suggestion) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE suggestions
		SET title=$2, brief=$3, analysis=$4, recommendation=$5, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Title, item.Brief, item.Analysis, item.Recommendation)
	if err != nil {
		return fmt.Errorf("update suggestion content: %w", err)
	}
	return nil
}

func (t *pgTx) SoftDeleteSuggestion(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE suggestions SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete suggestion: %w", err)
	}
	return nil
}

func (t *pgTx) SetSuggestionStatus(ctx context.Context, id int64, status SuggestionStatus) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE suggestions SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set suggestion status: %w", err)
	}
	return nil
}

// WriteCoSignerSummary replaces the summary only if the row still carries
// expectedVersion, returning the new version or ErrConflict.
func (t *pgTx) WriteCoSignerSummary(ctx context.Context, id int64, expectedVersion int, summary string) (int, error) {
	var version int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE suggestions
		SET co_signer_summary=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING version
	`, id, expectedVersion, summary).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("write co-signer summary: %w", err)
	}
	return version, nil
}

func (t *pgTx) ConsumeSuggestions(ctx context.Context, ids []int64, formalID int64, mergeSet []int64) error {
	var mergeArg any
	if len(mergeSet) > 0 {
		mergeArg = mergeSet
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE suggestions
		SET consumed_by_formal_id=$2,
			merge_source_ids=$3,
			status=CASE WHEN status='unreviewed' THEN 'docketed' ELSE status END,
			updated_at=NOW()
		WHERE id = ANY($1) AND consumed_by_formal_id IS NULL
	`, ids, formalID, mergeArg)
	if err != nil {
		return fmt.Errorf("consume suggestions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume suggestions: %w", err)
	}
	if int(affected) != len(ids) {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) RewindSuggestions(ctx context.Context, ids []int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE suggestions
		SET status='unreviewed', consumed_by_formal_id=NULL, merge_source_ids=NULL, updated_at=NOW()
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("rewind suggestions: %w", err)
	}
	return nil
}

func (t *pgTx) InsertFormalProposal(ctx context.Context, item FormalProposal) (FormalProposal, error) {
	if item.Status == "" {
		item.Status = FormalUnhandled
	}
	if item.Origin == "" {
		item.Origin = OriginManual
	}
	sources := item.SourceSuggestionIDs
	if sources == nil {
		sources = []int64{}
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO formal_proposals (code, title, reason, recommendation, managing_unit, status, origin, source_suggestion_ids, source_fingerprint, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`, item.Code, item.Title, item.Reason, item.Recommendation, item.ManagingUnit, string(item.Status), string(item.Origin), sources, item.SourceFingerprint, item.CreatedBy).
		Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return FormalProposal{}, fmt.Errorf("insert formal proposal: %w", err)
	}
	return item, nil
}

func (t *pgTx) SetFormalCode(ctx context.Context, id int64, code string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE formal_proposals SET code=$2 WHERE id=$1`, id, code)
	if err != nil {
		return fmt.Errorf("set formal code: %w", err)
	}
	return nil
}

func (t *pgTx) LockFormalProposal(ctx context.Context, id int64) (FormalProposal, error) {
	return getFormal(ctx, t.tx, id, true)
}

func (t *pgTx) SetFormalStatus(ctx context.Context, id int64, status FormalStatus) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE formal_proposals SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set formal status: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteFormalProposal(ctx context.Context, id int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM formal_proposals WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete formal proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete formal proposal: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (t *pgTx) RecentMergeByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*FormalProposal, error) {
	item, err := scanFormal(t.tx.QueryRowContext(ctx, `
		SELECT `+formalColumns+`
		FROM formal_proposals
		WHERE origin='merged' AND source_fingerprint=$1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, fingerprint, since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recent merge by fingerprint: %w", err)
	}
	return &item, nil
}

func (t *pgTx) ListInvitations(ctx context.Context, suggestionID int64) ([]EndorsementInvitation, error) {
	return listInvitations(ctx, t.tx, suggestionID)
}

func (t *pgTx) InsertInvitation(ctx context.Context, item EndorsementInvitation) (bool, error) {
	state := item.State
	if state == "" {
		state = EndorsementPending
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO endorsement_invitations (id, suggestion_id, invitee_ref, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (suggestion_id, invitee_ref) DO NOTHING
	`, item.ID, item.SuggestionID, item.InviteeRef, string(state))
	if err != nil {
		return false, fmt.Errorf("insert invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert invitation: %w", err)
	}
	return affected > 0, nil
}

// RespondInvitation moves a pending invitation to a terminal state. It reports
// false when no pending invitation matched.
func (t *pgTx) RespondInvitation(ctx context.Context, suggestionID int64, inviteeRef string, state EndorsementState, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE endorsement_invitations
		SET state=$3, responded_at=$4
		WHERE suggestion_id=$1 AND invitee_ref=$2 AND state='pending'
	`, suggestionID, inviteeRef, string(state), at)
	if err != nil {
		return false, fmt.Errorf("respond invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("respond invitation: %w", err)
	}
	return affected > 0, nil
}

func (t *pgTx) SetInvitationsRemoved(ctx context.Context, suggestionID int64, refs []string, removed bool, at time.Time) error {
	if len(refs) == 0 {
		return nil
	}
	var removedAt any
	if removed {
		removedAt = at
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE endorsement_invitations
		SET removed_at=$3
		WHERE suggestion_id=$1 AND invitee_ref = ANY($2)
	`, suggestionID, refs, removedAt)
	if err != nil {
		return fmt.Errorf("set invitations removed: %w", err)
	}
	return nil
}

func (t *pgTx) GetMembers(ctx context.Context, refs []string) (map[string]Member, error) {
	return getMembers(ctx, t.tx, refs)
}
