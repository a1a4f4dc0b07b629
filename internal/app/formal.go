package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"docket/api/internal/cosign"
	"docket/api/internal/notify"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

type FormalInput struct {
	Title          string `json:"title"`
	Reason         string `json:"reason"`
	Recommendation string `json:"recommendation"`
	ManagingUnit   string `json:"managingUnit"`
}

// FormalDetail is a formal proposal with its co-signers derived from the
// ledgers of its source suggestions.
type FormalDetail struct {
	Formal    store.FormalProposal
	CoSigners []cosign.Entry
}

type CancelResult struct {
	FormalID       int64   `json:"formalId"`
	Code           string  `json:"code"`
	RestoredSource []int64 `json:"restoredSuggestionIds"`
}

var formalTransitions = map[store.FormalStatus]store.FormalStatus{
	store.FormalUnhandled: store.FormalHandling,
	store.FormalHandling:  store.FormalDone,
}

// CreateFormal records a hand-authored formal proposal. It has no sources and
// is never reversible through CancelMerge.
func (s *Service) CreateFormal(ctx context.Context, actor Actor, input FormalInput) (store.FormalProposal, error) {
	if !s.Can(actor.Role, rbac.ActionManage) {
		return store.FormalProposal{}, forbidden("only operators may create formal proposals")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.FormalProposal{}, validationError("title is required", nil)
	}
	var formal store.FormalProposal
	err := s.inTx(ctx, "create formal", func(tx store.Tx) error {
		var err error
		formal, err = tx.InsertFormalProposal(ctx, store.FormalProposal{
			Title:          title,
			Reason:         strings.TrimSpace(input.Reason),
			Recommendation: strings.TrimSpace(input.Recommendation),
			ManagingUnit:   strings.TrimSpace(input.ManagingUnit),
			Status:         store.FormalUnhandled,
			Origin:         store.OriginManual,
			CreatedBy:      actor.Ref,
		})
		if err != nil {
			return err
		}
		formal.Code = FormalCode(formal.CreatedAt.Year(), formal.ID)
		return tx.SetFormalCode(ctx, formal.ID, formal.Code)
	})
	if err != nil {
		return store.FormalProposal{}, err
	}
	s.log.Info("manual formal proposal created", zap.Int64("formal_id", formal.ID), zap.String("code", formal.Code))
	s.indexFormal(ctx, formal)
	return formal, nil
}

func (s *Service) GetFormal(ctx context.Context, id int64) (FormalDetail, error) {
	formal, err := s.store.GetFormalProposal(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return FormalDetail{}, notFound("formal proposal", id)
	}
	if err != nil {
		return FormalDetail{}, classify(err)
	}
	coSigners, err := s.derivedCoSigners(ctx, formal.SourceSuggestionIDs)
	if err != nil {
		return FormalDetail{}, err
	}
	return FormalDetail{Formal: formal, CoSigners: coSigners}, nil
}

// derivedCoSigners is the union of accepted co-signers across sources,
// deduplicated by ref and sorted by display name.
func (s *Service) derivedCoSigners(ctx context.Context, sourceIDs []int64) ([]cosign.Entry, error) {
	var refs []string
	seen := map[string]bool{}
	for _, id := range sourceIDs {
		ledger, err := s.store.ListInvitations(ctx, id)
		if err != nil {
			return nil, classify(err)
		}
		for _, inv := range ledger {
			if inv.State != store.EndorsementAccepted || inv.RemovedAt != nil || seen[inv.InviteeRef] {
				continue
			}
			seen[inv.InviteeRef] = true
			refs = append(refs, inv.InviteeRef)
		}
	}
	members, err := s.store.GetMembers(ctx, refs)
	if err != nil {
		return nil, classify(err)
	}
	entries := make([]cosign.Entry, 0, len(refs))
	for _, ref := range refs {
		entries = append(entries, cosign.Entry{Name: firstNonEmpty(members[ref].DisplayName, ref), Ref: ref})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Ref < entries[j].Ref
	})
	return entries, nil
}

func (s *Service) TransitionFormal(ctx context.Context, actor Actor, id int64, to store.FormalStatus) (store.FormalProposal, error) {
	if !s.Can(actor.Role, rbac.ActionManage) {
		return store.FormalProposal{}, forbidden("only operators may update formal proposals")
	}
	var formal store.FormalProposal
	err := s.inTx(ctx, "transition formal", func(tx store.Tx) error {
		var err error
		formal, err = lockFormal(ctx, tx, id)
		if err != nil {
			return err
		}
		if next, ok := formalTransitions[formal.Status]; !ok || next != to {
			return invalidState("transition not allowed", map[string]any{"from": formal.Status, "to": to})
		}
		if err := tx.SetFormalStatus(ctx, id, to); err != nil {
			return err
		}
		formal.Status = to
		return nil
	})
	if err != nil {
		return store.FormalProposal{}, err
	}
	s.indexFormal(ctx, formal)
	return formal, nil
}

// DeleteFormal removes a hand-authored formal proposal. Pipeline-created ones
// must go through CancelMerge so their sources are restored.
func (s *Service) DeleteFormal(ctx context.Context, actor Actor, id int64) error {
	if !s.Can(actor.Role, rbac.ActionManage) {
		return forbidden("only operators may delete formal proposals")
	}
	err := s.inTx(ctx, "delete formal", func(tx store.Tx) error {
		formal, err := lockFormal(ctx, tx, id)
		if err != nil {
			return err
		}
		if formal.Origin == store.OriginMerged {
			return invalidState("formal proposal was filed from suggestions; cancel the merge instead",
				map[string]any{"sourceSuggestionIds": formal.SourceSuggestionIDs})
		}
		return tx.DeleteFormalProposal(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.Info("formal proposal deleted", zap.Int64("formal_id", id))
	s.unindex(ctx, store.KindFormal, id)
	return nil
}

// CancelMerge deletes a pipeline-created formal proposal and returns every
// source suggestion to the unreviewed queue, in one transaction.
func (s *Service) CancelMerge(ctx context.Context, actor Actor, formalID int64) (CancelResult, error) {
	if !s.Can(actor.Role, rbac.ActionCancel) {
		return CancelResult{}, forbidden("only operators may cancel a merge")
	}
	var (
		formal   store.FormalProposal
		restored []store.Suggestion
	)
	err := s.inTx(ctx, "cancel merge", func(tx store.Tx) error {
		var err error
		formal, err = lockFormal(ctx, tx, formalID)
		if err != nil {
			return err
		}
		if !formal.Reversible() {
			return domainError(http.StatusConflict, CodeNotReversible,
				"formal proposal was not created by a merge and cannot be cancelled", map[string]any{"origin": formal.Origin})
		}
		restored, err = tx.LockSuggestions(ctx, formal.SourceSuggestionIDs)
		if err != nil {
			return err
		}
		if err := tx.RewindSuggestions(ctx, formal.SourceSuggestionIDs); err != nil {
			return err
		}
		return tx.DeleteFormalProposal(ctx, formal.ID)
	})
	if err != nil {
		return CancelResult{}, err
	}

	s.log.Info("merge cancelled", zap.Int64("formal_id", formal.ID), zap.Int64s("sources", formal.SourceSuggestionIDs))
	s.unindex(ctx, store.KindFormal, formal.ID)
	for _, sug := range restored {
		sug.Status = store.SuggestionUnreviewed
		sug.ConsumedByFormalID = nil
		sug.MergeSourceIDs = nil
		if s.search != nil && !sug.Deleted() {
			s.search.IndexSuggestion(sug)
		}
		if sug.AuthorRef != nil {
			s.notify(ctx, []string{*sug.AuthorRef}, notify.KindMergeCancelled, map[string]string{
				"suggestion_title": sug.Title,
				"formal_code":      formal.Code,
			})
		}
	}
	return CancelResult{FormalID: formal.ID, Code: formal.Code, RestoredSource: formal.SourceSuggestionIDs}, nil
}

func lockFormal(ctx context.Context, tx store.Tx, id int64) (store.FormalProposal, error) {
	formal, err := tx.LockFormalProposal(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.FormalProposal{}, notFound("formal proposal", id)
	}
	return formal, err
}
