package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"docket/api/internal/cosign"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

type SuggestionInput struct {
	Title          string   `json:"title"`
	Brief          string   `json:"brief"`
	Analysis       string   `json:"analysis"`
	Recommendation string   `json:"recommendation"`
	Anonymous      bool     `json:"anonymous"`
	CoSigners      []string `json:"coSigners"`
}

// SuggestionUpdate carries only the fields being changed. CoSignerText is the
// edited "name(ref)" list and goes through ReconcileOnEdit semantics.
type SuggestionUpdate struct {
	Title          *string `json:"title"`
	Brief          *string `json:"brief"`
	Analysis       *string `json:"analysis"`
	Recommendation *string `json:"recommendation"`
	CoSignerText   *string `json:"coSignerText"`
}

var suggestionTransitions = map[store.SuggestionStatus][]store.SuggestionStatus{
	store.SuggestionUnreviewed: {store.SuggestionDocketed, store.SuggestionRejected, store.SuggestionInProgress},
	store.SuggestionInProgress: {store.SuggestionDocketed},
}

func (s *Service) CreateSuggestion(ctx context.Context, actor Actor, input SuggestionInput) (store.Suggestion, InviteResult, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Suggestion{}, InviteResult{}, validationError("title is required", nil)
	}
	item := store.Suggestion{
		Title:          title,
		Brief:          strings.TrimSpace(input.Brief),
		Analysis:       strings.TrimSpace(input.Analysis),
		Recommendation: strings.TrimSpace(input.Recommendation),
		AuthorName:     strings.TrimSpace(actor.Name),
		Status:         store.SuggestionUnreviewed,
	}
	if !input.Anonymous && actor.Ref != "" {
		ref := actor.Ref
		item.AuthorRef = &ref
	}
	refs := normalizeRefs(input.CoSigners)
	if err := checkSelfEndorsement(item, refs); err != nil {
		return store.Suggestion{}, InviteResult{}, err
	}

	var invites InviteResult
	err := s.inTx(ctx, "create suggestion", func(tx store.Tx) error {
		invites = InviteResult{}
		if len(refs) > 0 {
			members, err := tx.GetMembers(ctx, refs)
			if err != nil {
				return err
			}
			if unknown := missingMembers(refs, members); len(unknown) > 0 {
				return validationError("unknown members", map[string]any{"refs": unknown})
			}
		}
		created, err := tx.InsertSuggestion(ctx, item)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if _, err := s.insertInvitation(ctx, tx, created.ID, ref); err != nil {
				return err
			}
			invites.Invited = append(invites.Invited, ref)
		}
		item = created
		return nil
	})
	if err != nil {
		return store.Suggestion{}, InviteResult{}, err
	}

	s.log.Info("suggestion created", zap.Int64("suggestion_id", item.ID), zap.Int("invited", len(invites.Invited)))
	s.sendInvites(ctx, item, inviterName(actor, item), invites.Invited)
	s.indexSuggestion(ctx, item)
	return item, invites, nil
}

func (s *Service) GetSuggestion(ctx context.Context, id int64) (store.Suggestion, error) {
	return s.getLiveSuggestion(ctx, id)
}

func (s *Service) ListSuggestions(ctx context.Context, filter store.SuggestionFilter) ([]store.Suggestion, error) {
	items, err := s.store.ListSuggestions(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

// UpdateSuggestion edits content and, when CoSignerText is present, reconciles
// the co-signer list. Only unreviewed, unconsumed suggestions are editable.
func (s *Service) UpdateSuggestion(ctx context.Context, actor Actor, id int64, update SuggestionUpdate) (store.Suggestion, *ReconcileResult, error) {
	if update.Title != nil && strings.TrimSpace(*update.Title) == "" {
		return store.Suggestion{}, nil, validationError("title cannot be empty", nil)
	}

	var (
		sug       store.Suggestion
		reconcile *ReconcileResult
	)
	err := s.inTx(ctx, "update suggestion", func(tx store.Tx) error {
		reconcile = nil
		var err error
		sug, err = lockLiveSuggestion(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.requireAuthorOrOperator(actor, sug); err != nil {
			return err
		}
		if err := requireEditable(sug); err != nil {
			return err
		}

		changed := applyUpdate(&sug, update)
		if changed {
			if err := tx.UpdateSuggestionContent(ctx, sug); err != nil {
				return err
			}
		}
		if update.CoSignerText != nil {
			result, updated, err := s.reconcileTx(ctx, tx, sug, cosign.Parse(*update.CoSignerText))
			if err != nil {
				return err
			}
			sug = updated
			reconcile = &result
		}
		return nil
	})
	if err != nil {
		return store.Suggestion{}, nil, err
	}

	if reconcile != nil {
		s.sendInvites(ctx, sug, inviterName(actor, sug), reconcile.Invited)
	}
	s.indexSuggestion(ctx, sug)
	return sug, reconcile, nil
}

func (s *Service) DeleteSuggestion(ctx context.Context, actor Actor, id int64) error {
	err := s.inTx(ctx, "delete suggestion", func(tx store.Tx) error {
		sug, err := lockLiveSuggestion(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.requireAuthorOrOperator(actor, sug); err != nil {
			return err
		}
		if err := requireEditable(sug); err != nil {
			return err
		}
		return tx.SoftDeleteSuggestion(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.Info("suggestion deleted", zap.Int64("suggestion_id", id))
	s.unindex(ctx, store.KindSuggestion, id)
	return nil
}

// TransitionSuggestion moves a suggestion along its review state machine.
// Consumed suggestions are frozen.
func (s *Service) TransitionSuggestion(ctx context.Context, actor Actor, id int64, to store.SuggestionStatus) (store.Suggestion, error) {
	if !s.Can(actor.Role, rbac.ActionReview) {
		return store.Suggestion{}, forbidden("only operators may review suggestions")
	}
	var sug store.Suggestion
	err := s.inTx(ctx, "transition suggestion", func(tx store.Tx) error {
		var err error
		sug, err = lockLiveSuggestion(ctx, tx, id)
		if err != nil {
			return err
		}
		if sug.Consumed() {
			return invalidState("suggestion has been filed as a formal proposal and is frozen",
				map[string]any{"consumedBy": *sug.ConsumedByFormalID})
		}
		if !transitionAllowed(sug.Status, to) {
			return invalidState("transition not allowed", map[string]any{"from": sug.Status, "to": to})
		}
		if err := tx.SetSuggestionStatus(ctx, id, to); err != nil {
			return err
		}
		sug.Status = to
		return nil
	})
	if err != nil {
		return store.Suggestion{}, err
	}
	s.log.Info("suggestion transitioned", zap.Int64("suggestion_id", id), zap.String("status", string(to)))
	s.indexSuggestion(ctx, sug)
	return sug, nil
}

func transitionAllowed(from, to store.SuggestionStatus) bool {
	for _, next := range suggestionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func requireEditable(sug store.Suggestion) error {
	if sug.Consumed() {
		return invalidState("suggestion has been filed as a formal proposal and is frozen",
			map[string]any{"consumedBy": *sug.ConsumedByFormalID})
	}
	if sug.Status != store.SuggestionUnreviewed {
		return invalidState("only unreviewed suggestions can be edited or deleted", map[string]any{"status": sug.Status})
	}
	return nil
}

func applyUpdate(sug *store.Suggestion, update SuggestionUpdate) bool {
	changed := false
	set := func(dst *string, src *string) {
		if src == nil {
			return
		}
		v := strings.TrimSpace(*src)
		if v != *dst {
			*dst = v
			changed = true
		}
	}
	set(&sug.Title, update.Title)
	set(&sug.Brief, update.Brief)
	set(&sug.Analysis, update.Analysis)
	set(&sug.Recommendation, update.Recommendation)
	return changed
}
