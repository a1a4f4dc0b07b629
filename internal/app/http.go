package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"docket/api/internal/cosign"
	"docket/api/internal/llm"
	"docket/api/internal/rbac"
	"docket/api/internal/search"
	"docket/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Signed response links carry their own authorization.
	if r.Method == http.MethodPost && r.URL.Path == "/api/endorsements/respond" {
		var body struct {
			Token    string `json:"token"`
			Decision string `json:"decision"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		inv, err := s.service.RespondWithToken(r.Context(), body.Token, Decision(body.Decision))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitation": invitationPayload(inv)})
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "suggestions":
		s.handleSuggestions(w, r, actor, parts)
		return
	case "merges":
		if len(parts) == 2 && r.Method == http.MethodPost {
			s.handleMerge(w, r, actor)
			return
		}
	case "formal-proposals":
		s.handleFormalProposals(w, r, actor, parts)
		return
	case "similar":
		if len(parts) == 2 && r.Method == http.MethodGet {
			result, err := s.service.FindSimilar(r.Context(), r.URL.Query().Get("q"))
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			query := r.URL.Query()
			resp, err := s.service.Search(r.Context(), search.Query{
				Text:   query.Get("q"),
				Kind:   query.Get("kind"),
				Limit:  queryInt(query.Get("limit"), 20),
				Offset: queryInt(query.Get("offset"), 0),
			})
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			items, err := s.service.ListSuggestions(r.Context(), store.SuggestionFilter{
				Status:    store.SuggestionStatus(query.Get("status")),
				AuthorRef: query.Get("author"),
				Limit:     queryInt(query.Get("limit"), 50),
				Offset:    queryInt(query.Get("offset"), 0),
			})
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			payload := make([]map[string]any, 0, len(items))
			for _, item := range items {
				payload = append(payload, suggestionPayload(item))
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": payload})
		case http.MethodPost:
			if !s.service.Can(actor.Role, rbac.ActionSubmit) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			var body SuggestionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			created, invites, err := s.service.CreateSuggestion(r.Context(), actor, body)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"suggestion": suggestionPayload(created), "invited": nonNilStrings(invites.Invited)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	id, ok := parseID(w, parts[2])
	if !ok {
		return
	}

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			item, err := s.service.GetSuggestion(r.Context(), id)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			statuses, err := s.service.StatusOf(r.Context(), id)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"suggestion": suggestionPayload(item), "coSigners": statuses})
		case http.MethodPut:
			var body SuggestionUpdate
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			updated, reconcile, err := s.service.UpdateSuggestion(r.Context(), actor, id, body)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			payload := map[string]any{"suggestion": suggestionPayload(updated)}
			if reconcile != nil {
				payload["coSigners"] = reconcile
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteSuggestion(r.Context(), actor, id); err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodPost:
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.TransitionSuggestion(r.Context(), actor, id, store.SuggestionStatus(body.Status))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestion": suggestionPayload(updated)})
		return

	case len(parts) == 4 && parts[3] == "endorsements" && r.Method == http.MethodGet:
		statuses, err := s.service.StatusOf(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": statuses})
		return

	case len(parts) == 4 && parts[3] == "endorsements" && r.Method == http.MethodPost:
		if !s.service.Can(actor.Role, rbac.ActionSubmit) && !s.service.Can(actor.Role, rbac.ActionReview) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Invitees     []string `json:"invitees"`
			CoSignerText *string  `json:"coSignerText"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.CoSignerText != nil {
			result, err := s.service.ReconcileOnEdit(r.Context(), actor, id, cosign.Parse(*body.CoSignerText))
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
		result, err := s.service.Invite(r.Context(), actor, id, body.Invitees)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return

	case len(parts) == 5 && parts[3] == "endorsements" && parts[4] == "respond" && r.Method == http.MethodPost:
		if !s.service.Can(actor.Role, rbac.ActionEndorse) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Decision string `json:"decision"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		inv, err := s.service.Respond(r.Context(), id, actor.Ref, Decision(body.Decision))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitation": invitationPayload(inv)})
		return

	case len(parts) == 4 && parts[3] == "convert" && r.Method == http.MethodPost:
		var body struct {
			Commit bool       `json:"commit"`
			Draft  *llm.Draft `json:"draft"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Convert(r.Context(), actor, id, PipelineRequest{Commit: body.Commit, Draft: body.Draft})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, pipelineStatus(result), pipelinePayload(result))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMerge(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body struct {
		SuggestionIDs []int64    `json:"suggestionIds"`
		Commit        bool       `json:"commit"`
		Draft         *llm.Draft `json:"draft"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Merge(r.Context(), actor, body.SuggestionIDs, PipelineRequest{Commit: body.Commit, Draft: body.Draft})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, pipelineStatus(result), pipelinePayload(result))
}

func (s *HTTPServer) handleFormalProposals(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 2 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body FormalInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateFormal(r.Context(), actor, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"formalProposal": formalPayload(created, nil)})
		return
	}

	id, ok := parseID(w, parts[2])
	if !ok {
		return
	}

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		detail, err := s.service.GetFormal(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"formalProposal": formalPayload(detail.Formal, detail.CoSigners)})
		return

	case len(parts) == 3 && r.Method == http.MethodDelete:
		if err := s.service.DeleteFormal(r.Context(), actor, id); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return

	case len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodPost:
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.TransitionFormal(r.Context(), actor, id, store.FormalStatus(body.Status))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"formalProposal": formalPayload(updated, nil)})
		return

	case len(parts) == 4 && parts[3] == "cancel-merge" && r.Method == http.MethodPost:
		result, err := s.service.CancelMerge(r.Context(), actor, id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireActor reads the member identity set by the fronting gateway.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	ref := strings.TrimSpace(r.Header.Get("X-Actor-Ref"))
	if ref == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	return Actor{
		Ref:  ref,
		Name: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
		Role: rbac.Normalize(strings.TrimSpace(r.Header.Get("X-Actor-Role"))),
	}, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-Ref, X-Actor-Name, X-Actor-Role, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return 0, false
	}
	return id, true
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func pipelineStatus(result PipelineResult) int {
	if result.Committed {
		return http.StatusCreated
	}
	return http.StatusOK
}

func pipelinePayload(result PipelineResult) map[string]any {
	payload := map[string]any{
		"draft":     result.Draft,
		"sourceIds": result.SourceIDs,
		"committed": result.Committed,
	}
	if result.Formal != nil {
		payload["formalProposal"] = formalPayload(*result.Formal, nil)
	}
	return payload
}

func suggestionPayload(item store.Suggestion) map[string]any {
	payload := map[string]any{
		"id":              item.ID,
		"title":           item.Title,
		"brief":           item.Brief,
		"analysis":        item.Analysis,
		"recommendation":  item.Recommendation,
		"authorRef":       item.AuthorRef,
		"authorName":      item.AuthorName,
		"coSignerSummary": item.CoSignerSummary,
		"status":          item.Status,
		"consumedBy":      item.ConsumedByFormalID,
		"createdAt":       item.CreatedAt,
		"updatedAt":       item.UpdatedAt,
	}
	if item.IsSourceStub() {
		payload["mergeSourceIds"] = item.MergeSourceIDs
	}
	return payload
}

func formalPayload(item store.FormalProposal, coSigners []cosign.Entry) map[string]any {
	sources := item.SourceSuggestionIDs
	if sources == nil {
		sources = []int64{}
	}
	payload := map[string]any{
		"id":                  item.ID,
		"code":                item.Code,
		"title":               item.Title,
		"reason":              item.Reason,
		"recommendation":      item.Recommendation,
		"managingUnit":        item.ManagingUnit,
		"status":              item.Status,
		"origin":              item.Origin,
		"sourceSuggestionIds": sources,
		"reversible":          item.Reversible(),
		"createdBy":           item.CreatedBy,
		"createdAt":           item.CreatedAt,
	}
	if coSigners != nil {
		signers := make([]map[string]string, 0, len(coSigners))
		for _, entry := range coSigners {
			signers = append(signers, map[string]string{"name": entry.Name, "ref": entry.Ref})
		}
		payload["derivedCoSigners"] = signers
		payload["derivedCoSignerText"] = cosign.Format(coSigners)
	}
	return payload
}

func invitationPayload(inv store.EndorsementInvitation) map[string]any {
	return map[string]any{
		"id":           inv.ID,
		"suggestionId": inv.SuggestionID,
		"invitee":      inv.InviteeRef,
		"state":        inv.State,
		"respondedAt":  inv.RespondedAt,
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
