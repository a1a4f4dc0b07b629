package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"go.uber.org/zap"

	"docket/api/internal/notify"
	"docket/api/internal/rbac"
)

func doRequest(t *testing.T, h http.Handler, method, path string, actor *Actor, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != nil {
		req.Header.Set("X-Actor-Ref", actor.Ref)
		req.Header.Set("X-Actor-Name", actor.Name)
		req.Header.Set("X-Actor-Role", string(actor.Role))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func newTestHandler(env *testEnv) http.Handler {
	return NewHTTPServer(env.svc, "*", zap.NewNop()).Handler()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv()
	rr, payload := doRequest(t, newTestHandler(env), http.MethodGet, "/api/health", nil, nil)
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	env := newTestEnv()
	h := newTestHandler(env)

	rr, payload := doRequest(t, h, http.MethodGet, "/api/ready", nil, nil)
	if rr.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready = %d %v", rr.Code, payload)
	}

	env.store.pingErr = errors.New("connection refused")
	rr, payload = doRequest(t, h, http.MethodGet, "/api/ready", nil, nil)
	if rr.Code != http.StatusServiceUnavailable || payload["status"] != "not_ready" {
		t.Fatalf("not ready = %d %v", rr.Code, payload)
	}
	checks := payload["checks"].(map[string]any)
	if db := checks["database"].(map[string]any); db["error"] != "connection refused" {
		t.Fatalf("database check = %v", db)
	}
}

func TestRequestsNeedActor(t *testing.T) {
	env := newTestEnv()
	rr, payload := doRequest(t, newTestHandler(env), http.MethodGet, "/api/suggestions", nil, nil)
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("response = %d %v", rr.Code, payload)
	}
}

func TestSuggestionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv()
	h := newTestHandler(env)
	alice := authorA
	bob := Actor{Ref: "B", Name: "Bob", Role: rbac.RoleRepresentative}

	rr, payload := doRequest(t, h, http.MethodPost, "/api/suggestions", &alice, map[string]any{
		"title":     "Bike lanes",
		"brief":     "Paint them",
		"coSigners": []string{"B"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %v", rr.Code, payload)
	}
	created := payload["suggestion"].(map[string]any)
	id := int64(created["id"].(float64))
	if created["status"] != "unreviewed" {
		t.Fatalf("created = %v", created)
	}
	path := "/api/suggestions/" + jsonID(id)

	rr, payload = doRequest(t, h, http.MethodPost, path+"/endorsements/respond", &bob, map[string]any{"decision": "accept"})
	if rr.Code != http.StatusOK {
		t.Fatalf("respond = %d %v", rr.Code, payload)
	}
	rr, payload = doRequest(t, h, http.MethodPost, path+"/endorsements/respond", &bob, map[string]any{"decision": "accept"})
	if rr.Code != http.StatusConflict || payload["code"] != CodeAlreadyResponded {
		t.Fatalf("second respond = %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, h, http.MethodGet, path, &alice, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get = %d %v", rr.Code, payload)
	}
	if got := payload["suggestion"].(map[string]any)["coSignerSummary"]; got != "Bob(B)" {
		t.Fatalf("summary = %v", got)
	}
	if signers := payload["coSigners"].([]any); len(signers) != 1 {
		t.Fatalf("co-signers = %v", signers)
	}

	rr, payload = doRequest(t, h, http.MethodPost, path+"/status", &alice, map[string]any{"status": "docketed"})
	if rr.Code != http.StatusForbidden || payload["code"] != CodeForbidden {
		t.Fatalf("representative transition = %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, h, http.MethodGet, "/api/suggestions/abc", &alice, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("bad id = %d", rr.Code)
	}
}

func TestRespondThroughSignedLink(t *testing.T) {
	env := newTestEnv()
	h := newTestHandler(env)
	seedAuthored(env, 10, "A")
	if _, err := env.svc.Invite(context.Background(), authorA, 10, []string{"C"}); err != nil {
		t.Fatal(err)
	}
	link, err := url.Parse(env.notifier.byKind(notify.KindEndorsementInvite)[0].Params["reject_url"])
	if err != nil {
		t.Fatal(err)
	}

	rr, payload := doRequest(t, h, http.MethodPost, "/api/endorsements/respond", nil, map[string]any{
		"token":    link.Query().Get("token"),
		"decision": link.Query().Get("decision"),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("respond = %d %v", rr.Code, payload)
	}
	if inv := payload["invitation"].(map[string]any); inv["state"] != "rejected" || inv["invitee"] != "C" {
		t.Fatalf("invitation = %v", inv)
	}

	rr, payload = doRequest(t, h, http.MethodPost, "/api/endorsements/respond", nil, map[string]any{"token": "nope", "decision": "accept"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bad token = %d %v", rr.Code, payload)
	}
}

func TestMergeAndCancelOverHTTP(t *testing.T) {
	env := newTestEnv()
	h := newTestHandler(env)
	seedPair(env)
	op := operator

	rr, payload := doRequest(t, h, http.MethodPost, "/api/merges", &op, map[string]any{"suggestionIds": []int64{10, 11}})
	if rr.Code != http.StatusOK || payload["committed"] != false {
		t.Fatalf("preview = %d %v", rr.Code, payload)
	}
	if _, ok := payload["formalProposal"]; ok {
		t.Fatalf("preview returned a formal proposal")
	}

	rr, payload = doRequest(t, h, http.MethodPost, "/api/merges", &op, map[string]any{
		"suggestionIds": []int64{10, 11},
		"commit":        true,
		"draft":         map[string]any{"title": "Lighting plan", "managing_unit": "Public Works"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("commit = %d %v", rr.Code, payload)
	}
	formal := payload["formalProposal"].(map[string]any)
	if formal["code"] != "2026-0001" || formal["origin"] != "merged" || formal["reversible"] != true || formal["managingUnit"] != "Public Works" {
		t.Fatalf("formal = %v", formal)
	}
	formalPath := "/api/formal-proposals/" + jsonID(int64(formal["id"].(float64)))

	rr, payload = doRequest(t, h, http.MethodPost, "/api/merges", &op, map[string]any{"suggestionIds": []int64{10, 11}, "commit": true})
	if rr.Code != http.StatusConflict || payload["code"] != CodeDuplicateSubmission {
		t.Fatalf("duplicate = %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, h, http.MethodPost, "/api/suggestions/11/convert", &op, map[string]any{"commit": true})
	if rr.Code != http.StatusConflict || payload["code"] != CodeIsSourceStub {
		t.Fatalf("convert stub = %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, h, http.MethodGet, formalPath, &op, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get formal = %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, h, http.MethodDelete, formalPath, &op, nil)
	if rr.Code != http.StatusConflict || payload["code"] != CodeInvalidState {
		t.Fatalf("delete merged = %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, h, http.MethodPost, formalPath+"/cancel-merge", &op, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel = %d %v", rr.Code, payload)
	}
	if restored := payload["restoredSuggestionIds"].([]any); len(restored) != 2 {
		t.Fatalf("restored = %v", restored)
	}

	rr, payload = doRequest(t, h, http.MethodGet, formalPath, &op, nil)
	if rr.Code != http.StatusNotFound || payload["code"] != CodeNotFound {
		t.Fatalf("get cancelled = %d %v", rr.Code, payload)
	}
}

func TestDraftingUnavailableStatus(t *testing.T) {
	env := newTestEnv()
	env.drafter.err = errors.New("upstream 502")
	seedPair(env)
	op := operator

	rr, payload := doRequest(t, newTestHandler(env), http.MethodPost, "/api/suggestions/10/convert", &op, map[string]any{})
	if rr.Code != http.StatusServiceUnavailable || payload["code"] != CodeDraftingUnavailable {
		t.Fatalf("response = %d %v", rr.Code, payload)
	}
}

func TestSearchEndpoints(t *testing.T) {
	env := newTestEnv()
	h := newTestHandler(env)
	seedPair(env)
	alice := authorA

	rr, payload := doRequest(t, h, http.MethodGet, "/api/similar?q=lights", &alice, nil)
	if rr.Code != http.StatusOK || payload["degraded"] != true {
		t.Fatalf("similar = %d %v", rr.Code, payload)
	}
	rr, payload = doRequest(t, h, http.MethodGet, "/api/search?q=lamps", &alice, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search = %d %v", rr.Code, payload)
	}
	rr, _ = doRequest(t, h, http.MethodGet, "/api/search", &alice, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank search = %d", rr.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", invalidState("nope", nil), http.StatusConflict, CodeInvalidState},
		{"classified no rows", classify(fmt.Errorf("get formal: %w", sql.ErrNoRows)), http.StatusNotFound, CodeNotFound},
		{"storage", classify(errors.New("boom")), http.StatusInternalServerError, CodeStorageFailure},
		{"foreign", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}

func jsonID(id int64) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}
