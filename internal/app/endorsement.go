package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"docket/api/internal/auth"
	"docket/api/internal/cosign"
	"docket/api/internal/notify"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
	"docket/api/internal/util"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

type InviteResult struct {
	Invited  []string `json:"invited"`
	Restored []string `json:"restored"`
	Existing []string `json:"existing"`
	Summary  string   `json:"coSignerSummary"`
}

type ReconcileResult struct {
	Invited  []string `json:"invited"`
	Restored []string `json:"restored"`
	Removed  []string `json:"removed"`
	Unknown  []string `json:"unknown"`
	Summary  string   `json:"coSignerSummary"`
}

type CoSignerStatus struct {
	Ref   string                 `json:"ref"`
	Name  string                 `json:"name"`
	State store.EndorsementState `json:"state"`
}

// Invite records a pending invitation for every invitee not yet in the ledger
// and sends each of them a response link once the transaction commits.
func (s *Service) Invite(ctx context.Context, actor Actor, suggestionID int64, inviteeRefs []string) (InviteResult, error) {
	refs := normalizeRefs(inviteeRefs)
	if len(refs) == 0 {
		return InviteResult{}, validationError("at least one invitee is required", nil)
	}
	var malformed []string
	for _, ref := range refs {
		if !cosign.ValidRef(ref) {
			malformed = append(malformed, ref)
		}
	}
	if len(malformed) > 0 {
		return InviteResult{}, validationError("member refs may not contain commas or parentheses", map[string]any{"refs": malformed})
	}

	var (
		result InviteResult
		sug    store.Suggestion
	)
	err := s.inTx(ctx, "invite", func(tx store.Tx) error {
		result = InviteResult{}
		var err error
		sug, err = lockLiveSuggestion(ctx, tx, suggestionID)
		if err != nil {
			return err
		}
		if err := s.requireAuthorOrOperator(actor, sug); err != nil {
			return err
		}
		if sug.Consumed() {
			return invalidState("suggestion has already been filed as a formal proposal", map[string]any{"consumedBy": *sug.ConsumedByFormalID})
		}
		if err := checkSelfEndorsement(sug, refs); err != nil {
			return err
		}
		members, err := tx.GetMembers(ctx, refs)
		if err != nil {
			return err
		}
		if unknown := missingMembers(refs, members); len(unknown) > 0 {
			return validationError("unknown members", map[string]any{"refs": unknown})
		}

		ledger, err := tx.ListInvitations(ctx, sug.ID)
		if err != nil {
			return err
		}
		byRef := indexLedger(ledger)
		now := s.now()
		for _, ref := range refs {
			inv, ok := byRef[ref]
			switch {
			case !ok:
				if _, err := s.insertInvitation(ctx, tx, sug.ID, ref); err != nil {
					return err
				}
				result.Invited = append(result.Invited, ref)
			case inv.RemovedAt != nil:
				result.Restored = append(result.Restored, ref)
			default:
				result.Existing = append(result.Existing, ref)
			}
		}
		if err := tx.SetInvitationsRemoved(ctx, sug.ID, result.Restored, false, now); err != nil {
			return err
		}
		result.Summary, sug, err = syncSummary(ctx, tx, sug)
		return err
	})
	if err != nil {
		return InviteResult{}, err
	}

	s.sendInvites(ctx, sug, inviterName(actor, sug), result.Invited)
	s.log.Info("co-signers invited",
		zap.Int64("suggestion_id", sug.ID),
		zap.Strings("invited", result.Invited),
		zap.Strings("restored", result.Restored))
	return result, nil
}

// Respond applies an invitee's decision. Accepting updates the ledger and the
// co-signer summary in one transaction.
func (s *Service) Respond(ctx context.Context, suggestionID int64, inviteeRef string, decision Decision) (store.EndorsementInvitation, error) {
	inviteeRef = strings.TrimSpace(inviteeRef)
	if inviteeRef == "" {
		return store.EndorsementInvitation{}, validationError("invitee is required", nil)
	}
	var state store.EndorsementState
	switch decision {
	case DecisionAccept:
		state = store.EndorsementAccepted
	case DecisionReject:
		state = store.EndorsementRejected
	default:
		return store.EndorsementInvitation{}, validationError("decision must be accept or reject", map[string]any{"decision": decision})
	}

	var (
		responded store.EndorsementInvitation
		sug       store.Suggestion
		invitee   store.Member
	)
	err := s.inTx(ctx, "respond", func(tx store.Tx) error {
		var err error
		sug, err = lockLiveSuggestion(ctx, tx, suggestionID)
		if err != nil {
			return err
		}
		ledger, err := tx.ListInvitations(ctx, sug.ID)
		if err != nil {
			return err
		}
		inv, ok := indexLedger(ledger)[inviteeRef]
		if !ok || (inv.RemovedAt != nil && !inv.State.Terminal()) {
			return domainError(http.StatusNotFound, CodeNotFound, "no pending invitation for this member",
				map[string]any{"suggestionId": sug.ID, "invitee": inviteeRef})
		}
		if inv.State.Terminal() {
			return domainError(http.StatusConflict, CodeAlreadyResponded, "invitation has already been answered",
				map[string]any{"state": inv.State})
		}

		now := s.now()
		updated, err := tx.RespondInvitation(ctx, sug.ID, inviteeRef, state, now)
		if err != nil {
			return err
		}
		if !updated {
			return domainError(http.StatusConflict, CodeAlreadyResponded, "invitation has already been answered", nil)
		}
		inv.State = state
		inv.RespondedAt = &now
		responded = inv

		if state == store.EndorsementAccepted {
			if _, sug, err = syncSummary(ctx, tx, sug); err != nil {
				return err
			}
			members, err := tx.GetMembers(ctx, []string{inviteeRef})
			if err != nil {
				return err
			}
			invitee = members[inviteeRef]
		}
		return nil
	})
	if err != nil {
		return store.EndorsementInvitation{}, err
	}

	s.log.Info("invitation answered",
		zap.Int64("suggestion_id", sug.ID),
		zap.String("invitee", inviteeRef),
		zap.String("state", string(state)))
	if state == store.EndorsementAccepted && sug.AuthorRef != nil {
		s.notify(ctx, []string{*sug.AuthorRef}, notify.KindEndorsementAccepted, map[string]string{
			"suggestion_title": sug.Title,
			"invitee_name":     firstNonEmpty(invitee.DisplayName, inviteeRef),
		})
	}
	return responded, nil
}

// RespondWithToken answers an invitation through a signed response link.
func (s *Service) RespondWithToken(ctx context.Context, token string, decision Decision) (store.EndorsementInvitation, error) {
	claims, err := auth.ParseResponseToken(s.linkSecret, token, s.now())
	if err != nil {
		e := forbidden("response link is invalid or expired")
		e.Err = err
		return store.EndorsementInvitation{}, e
	}
	return s.Respond(ctx, claims.SuggestionID, claims.InviteeRef, decision)
}

// ReconcileOnEdit applies a directly edited co-signer list. New names become
// pending invitations; dropped names stay in the ledger but leave the summary.
func (s *Service) ReconcileOnEdit(ctx context.Context, actor Actor, suggestionID int64, entries []cosign.Entry) (ReconcileResult, error) {
	var (
		result ReconcileResult
		sug    store.Suggestion
	)
	err := s.inTx(ctx, "reconcile", func(tx store.Tx) error {
		var err error
		sug, err = lockLiveSuggestion(ctx, tx, suggestionID)
		if err != nil {
			return err
		}
		if err := s.requireAuthorOrOperator(actor, sug); err != nil {
			return err
		}
		if err := requireEditable(sug); err != nil {
			return err
		}
		result, sug, err = s.reconcileTx(ctx, tx, sug, entries)
		return err
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	s.sendInvites(ctx, sug, inviterName(actor, sug), result.Invited)
	return result, nil
}

func (s *Service) reconcileTx(ctx context.Context, tx store.Tx, sug store.Suggestion, entries []cosign.Entry) (ReconcileResult, store.Suggestion, error) {
	result := ReconcileResult{}
	refs := normalizeRefs(cosign.Refs(entries))
	if err := checkSelfEndorsement(sug, refs); err != nil {
		return result, sug, err
	}
	members, err := tx.GetMembers(ctx, refs)
	if err != nil {
		return result, sug, err
	}
	wanted := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, ok := members[ref]; ok && cosign.ValidRef(ref) {
			wanted = append(wanted, ref)
		} else {
			result.Unknown = append(result.Unknown, ref)
		}
	}

	ledger, err := tx.ListInvitations(ctx, sug.ID)
	if err != nil {
		return result, sug, err
	}
	byRef := indexLedger(ledger)
	active := make([]string, 0, len(ledger))
	for _, inv := range ledger {
		if inv.RemovedAt == nil {
			active = append(active, inv.InviteeRef)
		}
	}
	added, removed := cosign.Diff(active, wanted)
	for _, ref := range added {
		if _, ok := byRef[ref]; ok {
			result.Restored = append(result.Restored, ref)
			continue
		}
		if _, err := s.insertInvitation(ctx, tx, sug.ID, ref); err != nil {
			return result, sug, err
		}
		result.Invited = append(result.Invited, ref)
	}
	result.Removed = removed

	now := s.now()
	if err := tx.SetInvitationsRemoved(ctx, sug.ID, result.Restored, false, now); err != nil {
		return result, sug, err
	}
	if err := tx.SetInvitationsRemoved(ctx, sug.ID, result.Removed, true, now); err != nil {
		return result, sug, err
	}
	result.Summary, sug, err = syncSummary(ctx, tx, sug)
	return result, sug, err
}

// StatusOf reports the ledger state of every co-signer named in the summary
// text, followed by the remaining active ledger entries. Names with no ledger
// entry are reported as pending.
func (s *Service) StatusOf(ctx context.Context, suggestionID int64) ([]CoSignerStatus, error) {
	sug, err := s.getLiveSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	ledger, err := s.store.ListInvitations(ctx, sug.ID)
	if err != nil {
		return nil, classify(err)
	}
	byRef := indexLedger(ledger)

	refs := make([]string, 0, len(ledger))
	for _, inv := range ledger {
		refs = append(refs, inv.InviteeRef)
	}
	members, err := s.store.GetMembers(ctx, refs)
	if err != nil {
		return nil, classify(err)
	}

	statuses := make([]CoSignerStatus, 0)
	seen := map[string]bool{}
	for _, entry := range cosign.Parse(sug.CoSignerSummary) {
		state := store.EndorsementPending
		if inv, ok := byRef[entry.Ref]; ok {
			state = inv.State
		}
		seen[entry.Ref] = true
		statuses = append(statuses, CoSignerStatus{Ref: entry.Ref, Name: entry.Name, State: state})
	}
	for _, inv := range ledger {
		if seen[inv.InviteeRef] || inv.RemovedAt != nil {
			continue
		}
		seen[inv.InviteeRef] = true
		statuses = append(statuses, CoSignerStatus{
			Ref:   inv.InviteeRef,
			Name:  firstNonEmpty(members[inv.InviteeRef].DisplayName, inv.InviteeRef),
			State: inv.State,
		})
	}
	return statuses, nil
}

func (s *Service) insertInvitation(ctx context.Context, tx store.Tx, suggestionID int64, ref string) (bool, error) {
	return tx.InsertInvitation(ctx, store.EndorsementInvitation{
		ID:           util.NewID("inv"),
		SuggestionID: suggestionID,
		InviteeRef:   ref,
		State:        store.EndorsementPending,
		CreatedAt:    s.now(),
	})
}

func (s *Service) sendInvites(ctx context.Context, sug store.Suggestion, inviter string, refs []string) {
	if s.notifier == nil {
		return
	}
	now := s.now()
	expires := now.Add(s.cfg.LinkTTL)
	for _, ref := range refs {
		token, err := auth.IssueResponseToken(s.linkSecret, sug.ID, ref, now, s.cfg.LinkTTL)
		if err != nil {
			s.log.Warn("issue response link failed", zap.Int64("suggestion_id", sug.ID), zap.String("invitee", ref), zap.Error(err))
			continue
		}
		s.notify(ctx, []string{ref}, notify.KindEndorsementInvite, map[string]string{
			"suggestion_title": sug.Title,
			"inviter_name":     inviter,
			"accept_url":       s.responseURL(token, DecisionAccept),
			"reject_url":       s.responseURL(token, DecisionReject),
			"expires_at":       expires.Format("2006-01-02 15:04 MST"),
		})
	}
}

func (s *Service) responseURL(token string, decision Decision) string {
	values := url.Values{}
	values.Set("token", token)
	values.Set("decision", string(decision))
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/endorsements/respond?" + values.Encode()
}

// syncSummary recomputes the co-signer summary from the ledger and writes it
// if it changed. The write is conditional on the version read under lock.
func syncSummary(ctx context.Context, tx store.Tx, sug store.Suggestion) (string, store.Suggestion, error) {
	ledger, err := tx.ListInvitations(ctx, sug.ID)
	if err != nil {
		return "", sug, err
	}
	refs := make([]string, 0, len(ledger))
	for _, inv := range ledger {
		refs = append(refs, inv.InviteeRef)
	}
	members, err := tx.GetMembers(ctx, refs)
	if err != nil {
		return "", sug, err
	}
	summary := projectSummary(ledger, members)
	if summary == sug.CoSignerSummary {
		return summary, sug, nil
	}
	version, err := tx.WriteCoSignerSummary(ctx, sug.ID, sug.Version, summary)
	if err != nil {
		return "", sug, err
	}
	sug.CoSignerSummary = summary
	sug.Version = version
	return summary, sug, nil
}

// projectSummary renders accepted, non-removed ledger entries in acceptance order.
func projectSummary(ledger []store.EndorsementInvitation, members map[string]store.Member) string {
	accepted := make([]store.EndorsementInvitation, 0, len(ledger))
	for _, inv := range ledger {
		if inv.State == store.EndorsementAccepted && inv.RemovedAt == nil {
			accepted = append(accepted, inv)
		}
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		a, b := accepted[i], accepted[j]
		if a.RespondedAt != nil && b.RespondedAt != nil && !a.RespondedAt.Equal(*b.RespondedAt) {
			return a.RespondedAt.Before(*b.RespondedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	entries := make([]cosign.Entry, 0, len(accepted))
	for _, inv := range accepted {
		entries = append(entries, cosign.Entry{
			Name: firstNonEmpty(members[inv.InviteeRef].DisplayName, inv.InviteeRef),
			Ref:  inv.InviteeRef,
		})
	}
	return cosign.Format(entries)
}

func lockLiveSuggestion(ctx context.Context, tx store.Tx, id int64) (store.Suggestion, error) {
	sug, err := tx.LockSuggestion(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Suggestion{}, notFound("suggestion", id)
	}
	if err != nil {
		return store.Suggestion{}, err
	}
	if sug.Deleted() {
		return store.Suggestion{}, notFound("suggestion", id)
	}
	return sug, nil
}

func (s *Service) getLiveSuggestion(ctx context.Context, id int64) (store.Suggestion, error) {
	sug, err := s.store.GetSuggestion(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Suggestion{}, notFound("suggestion", id)
	}
	if err != nil {
		return store.Suggestion{}, classify(err)
	}
	if sug.Deleted() {
		return store.Suggestion{}, notFound("suggestion", id)
	}
	return sug, nil
}

func checkSelfEndorsement(sug store.Suggestion, refs []string) error {
	for _, ref := range refs {
		if sug.AuthoredBy(ref) {
			return domainError(http.StatusUnprocessableEntity, CodeSelfEndorsementForbidden,
				"the author cannot co-sign their own suggestion", map[string]any{"ref": ref})
		}
	}
	return nil
}

func (s *Service) requireAuthorOrOperator(actor Actor, sug store.Suggestion) error {
	if actor.Ref != "" && sug.AuthoredBy(actor.Ref) {
		return nil
	}
	if s.Can(actor.Role, rbac.ActionReview) {
		return nil
	}
	return forbidden("only the author or an operator may change this suggestion")
}

func indexLedger(ledger []store.EndorsementInvitation) map[string]store.EndorsementInvitation {
	byRef := make(map[string]store.EndorsementInvitation, len(ledger))
	for _, inv := range ledger {
		byRef[inv.InviteeRef] = inv
	}
	return byRef
}

func missingMembers(refs []string, members map[string]store.Member) []string {
	var missing []string
	for _, ref := range refs {
		if _, ok := members[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	return missing
}

func normalizeRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func inviterName(actor Actor, sug store.Suggestion) string {
	if sug.AuthoredBy(actor.Ref) {
		return firstNonEmpty(sug.AuthorName, actor.Name, actor.Ref)
	}
	return firstNonEmpty(actor.Name, sug.AuthorName, actor.Ref)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
