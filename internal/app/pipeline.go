package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"docket/api/internal/llm"
	"docket/api/internal/notify"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

// PipelineRequest drives Convert and Merge. With Commit false nothing is
// written and the draft is returned for review. A supplied Draft is used
// verbatim and the drafting service is not called.
type PipelineRequest struct {
	Commit bool
	Draft  *llm.Draft
}

type PipelineResult struct {
	Draft     llm.Draft             `json:"draft"`
	SourceIDs []int64               `json:"sourceIds"`
	Committed bool                  `json:"committed"`
	Formal    *store.FormalProposal `json:"-"`
}

// Convert files a single suggestion as a formal proposal.
func (s *Service) Convert(ctx context.Context, actor Actor, suggestionID int64, req PipelineRequest) (PipelineResult, error) {
	if !s.Can(actor.Role, rbac.ActionMerge) {
		return PipelineResult{}, forbidden("only operators may file formal proposals")
	}
	sources, err := s.loadSources(ctx, []int64{suggestionID})
	if err != nil {
		return PipelineResult{}, err
	}
	if err := checkConvertible(sources[0]); err != nil {
		return PipelineResult{}, err
	}

	draft, err := s.draft(ctx, sources, req.Draft)
	if err != nil {
		return PipelineResult{}, err
	}
	result := PipelineResult{Draft: draft, SourceIDs: []int64{suggestionID}}
	if !req.Commit {
		return result, nil
	}

	formal, consumed, err := s.commit(ctx, actor, result.SourceIDs, draft, false)
	if err != nil {
		return PipelineResult{}, err
	}
	result.Committed = true
	result.Formal = &formal
	s.afterPipeline(ctx, formal, consumed)
	return result, nil
}

// Merge combines two or more suggestions into one formal proposal whose
// source list preserves the order given.
func (s *Service) Merge(ctx context.Context, actor Actor, suggestionIDs []int64, req PipelineRequest) (PipelineResult, error) {
	if !s.Can(actor.Role, rbac.ActionMerge) {
		return PipelineResult{}, forbidden("only operators may file formal proposals")
	}
	ids, err := distinctIDs(suggestionIDs)
	if err != nil {
		return PipelineResult{}, err
	}
	if len(ids) < 2 {
		return PipelineResult{}, validationError("a merge needs at least two distinct suggestions", map[string]any{"ids": ids})
	}

	if req.Commit {
		// cheap rejection of replays before spending a drafting call
		if err := s.inTx(ctx, "merge guard", func(tx store.Tx) error {
			return s.checkDuplicate(ctx, tx, ids)
		}); err != nil {
			return PipelineResult{}, err
		}
	}

	sources, err := s.loadSources(ctx, ids)
	if err != nil {
		return PipelineResult{}, err
	}
	if err := checkUnconsumed(sources); err != nil {
		if req.Commit {
			// an identical merge may have landed after the guard ran
			if dupErr := s.inTx(ctx, "merge guard", func(tx store.Tx) error {
				return s.checkDuplicate(ctx, tx, ids)
			}); dupErr != nil {
				return PipelineResult{}, dupErr
			}
		}
		return PipelineResult{}, err
	}

	draft, err := s.draft(ctx, sources, req.Draft)
	if err != nil {
		return PipelineResult{}, err
	}
	result := PipelineResult{Draft: draft, SourceIDs: ids}
	if !req.Commit {
		return result, nil
	}

	formal, consumed, err := s.commit(ctx, actor, ids, draft, true)
	if err != nil {
		return PipelineResult{}, err
	}
	result.Committed = true
	result.Formal = &formal
	s.afterPipeline(ctx, formal, consumed)
	return result, nil
}

// commit writes the formal proposal and consumes its sources in one
// transaction. Source rows are locked first so a concurrent identical commit
// waits and then sees this one through the duplicate guard.
func (s *Service) commit(ctx context.Context, actor Actor, ids []int64, draft llm.Draft, merge bool) (store.FormalProposal, []store.Suggestion, error) {
	var (
		formal   store.FormalProposal
		consumed []store.Suggestion
	)
	err := s.inTx(ctx, "pipeline commit", func(tx store.Tx) error {
		locked, err := tx.LockSuggestions(ctx, ids)
		if err != nil {
			return err
		}
		if merge {
			if err := s.checkDuplicate(ctx, tx, ids); err != nil {
				return err
			}
		}
		sources, err := orderSources(ids, locked)
		if err != nil {
			return err
		}
		if merge {
			if err := checkUnconsumed(sources); err != nil {
				return err
			}
		} else if err := checkConvertible(sources[0]); err != nil {
			return err
		}

		formal, err = tx.InsertFormalProposal(ctx, store.FormalProposal{
			Title:               draft.Title,
			Reason:              draft.Reason,
			Recommendation:      draft.Recommendation,
			ManagingUnit:        draft.ManagingUnit,
			Status:              store.FormalUnhandled,
			Origin:              store.OriginMerged,
			SourceSuggestionIDs: append([]int64(nil), ids...),
			SourceFingerprint:   Fingerprint(ids),
			CreatedBy:           actor.Ref,
		})
		if err != nil {
			return err
		}
		formal.Code = FormalCode(formal.CreatedAt.Year(), formal.ID)
		if err := tx.SetFormalCode(ctx, formal.ID, formal.Code); err != nil {
			return err
		}

		var mergeSet []int64
		if merge {
			mergeSet = sortedIDs(ids)
		}
		if err := tx.ConsumeSuggestions(ctx, ids, formal.ID, mergeSet); err != nil {
			return err
		}
		for i := range sources {
			id := formal.ID
			sources[i].ConsumedByFormalID = &id
			sources[i].MergeSourceIDs = mergeSet
			if sources[i].Status == store.SuggestionUnreviewed {
				sources[i].Status = store.SuggestionDocketed
			}
		}
		consumed = sources
		return nil
	})
	if err != nil {
		return store.FormalProposal{}, nil, err
	}
	s.log.Info("formal proposal filed",
		zap.Int64("formal_id", formal.ID),
		zap.String("code", formal.Code),
		zap.Int64s("sources", ids))
	return formal, consumed, nil
}

func (s *Service) checkDuplicate(ctx context.Context, tx store.Tx, ids []int64) error {
	existing, err := tx.RecentMergeByFingerprint(ctx, Fingerprint(ids), s.now().Add(-DuplicateWindow))
	if err != nil {
		return err
	}
	if existing != nil {
		return domainError(http.StatusConflict, CodeDuplicateSubmission,
			"an identical merge was just submitted", map[string]any{"formalId": existing.ID, "code": existing.Code})
	}
	return nil
}

func (s *Service) draft(ctx context.Context, sources []store.Suggestion, supplied *llm.Draft) (llm.Draft, error) {
	if supplied != nil {
		d := *supplied
		if strings.TrimSpace(d.Title) == "" {
			return llm.Draft{}, validationError("draft title is required", nil)
		}
		return d, nil
	}
	if s.drafter == nil {
		return llm.Draft{}, draftingUnavailable(nil)
	}
	texts := make([]string, 0, len(sources))
	for _, src := range sources {
		texts = append(texts, sourceText(src))
	}
	d, err := s.drafter.Draft(ctx, texts)
	if err != nil {
		s.log.Warn("drafting failed", zap.Error(err))
		return llm.Draft{}, draftingUnavailable(err)
	}
	return d, nil
}

func (s *Service) afterPipeline(ctx context.Context, formal store.FormalProposal, consumed []store.Suggestion) {
	s.indexFormal(ctx, formal)
	for _, src := range consumed {
		if s.search != nil {
			s.search.IndexSuggestion(src)
		}
		if src.AuthorRef == nil {
			continue
		}
		s.notify(ctx, []string{*src.AuthorRef}, notify.KindSuggestionMerged, map[string]string{
			"suggestion_title": src.Title,
			"formal_code":      formal.Code,
			"formal_title":     formal.Title,
		})
	}
}

// loadSources returns live suggestions in the order of ids.
func (s *Service) loadSources(ctx context.Context, ids []int64) ([]store.Suggestion, error) {
	items, err := s.store.GetSuggestions(ctx, ids)
	if err != nil {
		return nil, classify(err)
	}
	return orderSources(ids, items)
}

func orderSources(ids []int64, items []store.Suggestion) ([]store.Suggestion, error) {
	byID := make(map[int64]store.Suggestion, len(items))
	for _, item := range items {
		if !item.Deleted() {
			byID[item.ID] = item
		}
	}
	ordered := make([]store.Suggestion, 0, len(ids))
	var missing []int64
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		ordered = append(ordered, item)
	}
	if len(missing) > 0 {
		return nil, domainError(http.StatusNotFound, CodeNotFound, "suggestions not found", map[string]any{"ids": missing})
	}
	return ordered, nil
}

func checkConvertible(sug store.Suggestion) error {
	if sug.IsSourceStub() {
		return domainError(http.StatusConflict, CodeIsSourceStub,
			"suggestion is part of a merge and can only be handled through it",
			map[string]any{"mergeSourceIds": sug.MergeSourceIDs})
	}
	if sug.Consumed() {
		return domainError(http.StatusConflict, CodeAlreadyConverted, "suggestion has already been converted",
			map[string]any{"formalId": *sug.ConsumedByFormalID})
	}
	return nil
}

func checkUnconsumed(sources []store.Suggestion) error {
	var consumed []int64
	for _, src := range sources {
		if src.Consumed() {
			consumed = append(consumed, src.ID)
		}
	}
	if len(consumed) > 0 {
		return domainError(http.StatusConflict, CodeAlreadyConverted, "some suggestions have already been converted",
			map[string]any{"ids": consumed})
	}
	return nil
}

func distinctIDs(ids []int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, validationError("suggestion ids must be positive", map[string]any{"id": id})
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func sortedIDs(ids []int64) []int64 {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

// Fingerprint is the sorted, comma-joined source id list.
func Fingerprint(ids []int64) string {
	sorted := sortedIDs(ids)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// FormalCode renders the human code, e.g. 2026-0042.
func FormalCode(year int, id int64) string {
	return fmt.Sprintf("%d-%04d", year, id)
}

func sourceText(sug store.Suggestion) string {
	var b strings.Builder
	b.WriteString("Title: " + sug.Title)
	if sug.Brief != "" {
		b.WriteString("\nBrief: " + sug.Brief)
	}
	if sug.Analysis != "" {
		b.WriteString("\nAnalysis: " + sug.Analysis)
	}
	if sug.Recommendation != "" {
		b.WriteString("\nRecommendation: " + sug.Recommendation)
	}
	return b.String()
}
