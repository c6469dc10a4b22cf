package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"talkd/pkg/actor"
	"talkd/pkg/api/handlers"
	"talkd/pkg/config"
	"talkd/pkg/store"
	"talkd/pkg/transport"
)

const testSigningKey = "test-signing-secret"

var router http.Handler

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "api-test-")
	if err != nil {
		panic(err)
	}
	if err := store.Open(dir); err != nil {
		panic(err)
	}
	config.SetRuntime(&config.RuntimeConfig{
		SigningKeys: map[string]struct{}{testSigningKey: {}},
	})
	reg := actor.NewRegistry(actor.Config{})
	handlers.Use(reg)
	router = Handler(transport.NewHub(reg, transport.Options{}))

	code := m.Run()

	reg.Close()
	_ = store.Close()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func sign(userID string) string {
	mac := hmac.New(sha256.New, []byte(testSigningKey))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// do issues a request against the router. asUser signs the request with the
// test secret; asBackend instead sets the role header a gateway would.
func do(t *testing.T, method, path string, body any, asUser, asBackend string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if asUser != "" {
		req.Header.Set("X-User-ID", asUser)
		req.Header.Set("X-User-Signature", sign(asUser))
	}
	if asBackend != "" {
		req.Header.Set("X-Role-Name", asBackend)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func mkConv(t *testing.T, id string, participants ...string) {
	t.Helper()
	w := do(t, http.MethodPost, "/v1/conversations", map[string]any{
		"conversation_id": id,
		"tenant_id":       "acme",
		"participants":    participants,
	}, "", "backend")
	if w.Code != http.StatusCreated {
		t.Fatalf("create conversation: status %d body %s", w.Code, w.Body.String())
	}
}

func TestCreateConversation(t *testing.T) {
	w := do(t, http.MethodPost, "/v1/conversations", map[string]any{
		"conversation_id": "h-create",
		"tenant_id":       "acme",
		"participants":    []string{"alice", "bob", "alice"},
	}, "", "backend")
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var res struct {
		Conversation struct {
			ID                string `json:"id"`
			MembershipVersion uint64 `json:"membership_version"`
		} `json:"conversation"`
		Participants []struct {
			UserID string `json:"user_id"`
		} `json:"participants"`
	}
	decode(t, w, &res)
	if res.Conversation.ID != "h-create" || res.Conversation.MembershipVersion != 1 {
		t.Fatalf("unexpected conversation: %+v", res.Conversation)
	}
	if len(res.Participants) != 2 {
		t.Fatalf("expected duplicate participant deduped, got %d", len(res.Participants))
	}

	w = do(t, http.MethodPost, "/v1/conversations", map[string]any{
		"conversation_id": "h-create",
		"tenant_id":       "acme",
	}, "", "backend")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %d", w.Code)
	}
}

func TestCreateConversationRequiresTenant(t *testing.T) {
	w := do(t, http.MethodPost, "/v1/conversations", map[string]any{
		"conversation_id": "h-no-tenant",
	}, "", "backend")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAppendSignedUser(t *testing.T) {
	mkConv(t, "h-append", "alice", "bob")

	w := do(t, http.MethodPost, "/v1/conversations/h-append/messages", map[string]any{
		"content":   "hello",
		"client_id": "cl-1",
	}, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("append: status %d body %s", w.Code, w.Body.String())
	}
	var res struct {
		MessageID string `json:"message_id"`
		Seq       uint64 `json:"seq"`
	}
	decode(t, w, &res)
	if res.Seq != 1 || res.MessageID == "" {
		t.Fatalf("unexpected append result: %+v", res)
	}

	// same client_id replays the original assignment
	w = do(t, http.MethodPost, "/v1/conversations/h-append/messages", map[string]any{
		"content":   "hello",
		"client_id": "cl-1",
	}, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("replay: status %d body %s", w.Code, w.Body.String())
	}
	var replay struct {
		MessageID string `json:"message_id"`
		Seq       uint64 `json:"seq"`
	}
	decode(t, w, &replay)
	if replay.MessageID != res.MessageID || replay.Seq != res.Seq {
		t.Fatalf("replay mismatch: first %+v, second %+v", res, replay)
	}
}

func TestAppendRequiresSignature(t *testing.T) {
	mkConv(t, "h-unsigned", "alice")

	w := do(t, http.MethodPost, "/v1/conversations/h-unsigned/messages", map[string]any{
		"content":   "hi",
		"client_id": "cl-u1",
	}, "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/h-unsigned/messages",
		bytes.NewReader([]byte(`{"content":"hi","client_id":"cl-u2"}`)))
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestAppendAuthorMismatch(t *testing.T) {
	mkConv(t, "h-mismatch", "alice", "bob")

	w := do(t, http.MethodPost, "/v1/conversations/h-mismatch/messages", map[string]any{
		"author":    "bob",
		"content":   "as bob",
		"client_id": "cl-m1",
	}, "alice", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on author mismatch, got %d body %s", w.Code, w.Body.String())
	}
}

func TestAppendNonParticipant(t *testing.T) {
	mkConv(t, "h-stranger", "alice")

	w := do(t, http.MethodPost, "/v1/conversations/h-stranger/messages", map[string]any{
		"content":   "let me in",
		"client_id": "cl-s1",
	}, "mallory", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-participant, got %d body %s", w.Code, w.Body.String())
	}
}

func TestSystemMessageRequiresBackend(t *testing.T) {
	mkConv(t, "h-system", "alice")

	w := do(t, http.MethodPost, "/v1/conversations/h-system/messages", map[string]any{
		"role":      "system",
		"content":   "conversation transferred",
		"client_id": "cl-sys1",
	}, "alice", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user-signed system message, got %d", w.Code)
	}

	w = do(t, http.MethodPost, "/v1/conversations/h-system/messages", map[string]any{
		"role":      "system",
		"content":   "conversation transferred",
		"client_id": "cl-sys2",
	}, "", "backend")
	if w.Code != http.StatusOK {
		t.Fatalf("backend system message: status %d body %s", w.Code, w.Body.String())
	}
}

func TestCatchUpFromSeq(t *testing.T) {
	mkConv(t, "h-catchup", "alice")
	for i := 1; i <= 5; i++ {
		w := do(t, http.MethodPost, "/v1/conversations/h-catchup/messages", map[string]any{
			"content":   fmt.Sprintf("msg %d", i),
			"client_id": fmt.Sprintf("cl-c%d", i),
		}, "alice", "")
		if w.Code != http.StatusOK {
			t.Fatalf("seed append %d: status %d", i, w.Code)
		}
	}

	w := do(t, http.MethodGet, "/v1/conversations/h-catchup?from_seq=2&limit=2", nil, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("catch-up: status %d body %s", w.Code, w.Body.String())
	}
	var page struct {
		Messages []struct {
			Seq uint64 `json:"seq"`
		} `json:"messages"`
		NextFromSeq *uint64 `json:"next_from_seq"`
	}
	decode(t, w, &page)
	if len(page.Messages) != 2 || page.Messages[0].Seq != 2 || page.Messages[1].Seq != 3 {
		t.Fatalf("unexpected page: %+v", page.Messages)
	}
	if page.NextFromSeq == nil || *page.NextFromSeq != 4 {
		t.Fatalf("unexpected resumption token: %v", page.NextFromSeq)
	}

	w = do(t, http.MethodGet, "/v1/conversations/h-catchup?from_seq=4", nil, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("second page: status %d", w.Code)
	}
	decode(t, w, &page)
	if len(page.Messages) != 2 || page.NextFromSeq != nil {
		t.Fatalf("unexpected final page: %+v next %v", page.Messages, page.NextFromSeq)
	}
}

func TestMembershipRevokedIdempotent(t *testing.T) {
	mkConv(t, "h-revoke", "alice", "bob")

	w := do(t, http.MethodPost, "/v1/conversations/h-revoke/membership-revoked", map[string]any{
		"user_id": "bob",
	}, "", "backend")
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status %d body %s", w.Code, w.Body.String())
	}
	var res struct {
		MembershipVersion uint64 `json:"membership_version"`
		Removed           bool   `json:"removed"`
	}
	decode(t, w, &res)
	if !res.Removed || res.MembershipVersion != 2 {
		t.Fatalf("unexpected revoke ack: %+v", res)
	}

	w = do(t, http.MethodPost, "/v1/conversations/h-revoke/membership-revoked", map[string]any{
		"user_id": "bob",
	}, "", "backend")
	if w.Code != http.StatusOK {
		t.Fatalf("re-revoke: status %d body %s", w.Code, w.Body.String())
	}
	decode(t, w, &res)
	if res.Removed || res.MembershipVersion != 2 {
		t.Fatalf("re-revoke must ack without a version bump: %+v", res)
	}

	w = do(t, http.MethodPost, "/v1/conversations/h-revoke/messages", map[string]any{
		"content":   "still here?",
		"client_id": "cl-r1",
	}, "bob", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("revoked user append: expected 403, got %d", w.Code)
	}
}

func TestReactions(t *testing.T) {
	mkConv(t, "h-react", "alice", "bob")
	w := do(t, http.MethodPost, "/v1/conversations/h-react/messages", map[string]any{
		"content":   "react to me",
		"client_id": "cl-rx1",
	}, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("seed append: status %d", w.Code)
	}
	var msg struct {
		MessageID string `json:"message_id"`
	}
	decode(t, w, &msg)

	path := "/v1/conversations/h-react/messages/" + msg.MessageID + "/reactions"
	w = do(t, http.MethodPost, path, map[string]any{"emoji": "👍"}, "bob", "")
	if w.Code != http.StatusOK {
		t.Fatalf("react: status %d body %s", w.Code, w.Body.String())
	}
	var tally struct {
		Emoji           string `json:"emoji"`
		Count           int    `json:"count"`
		ReactedByViewer bool   `json:"reacted_by_viewer"`
	}
	decode(t, w, &tally)
	if tally.Count != 1 || !tally.ReactedByViewer {
		t.Fatalf("unexpected tally after add: %+v", tally)
	}

	// duplicate add is a no-op
	w = do(t, http.MethodPost, path, map[string]any{"emoji": "👍"}, "bob", "")
	decode(t, w, &tally)
	if tally.Count != 1 {
		t.Fatalf("duplicate add changed the count: %+v", tally)
	}

	w = do(t, http.MethodPost, path, map[string]any{"emoji": "👍", "action": "remove"}, "bob", "")
	decode(t, w, &tally)
	if tally.Count != 0 || tally.ReactedByViewer {
		t.Fatalf("unexpected tally after remove: %+v", tally)
	}

	w = do(t, http.MethodGet, path, nil, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list reactions: status %d", w.Code)
	}
	var listed struct {
		Reactions []struct {
			Emoji string `json:"emoji"`
		} `json:"reactions"`
	}
	decode(t, w, &listed)
	if len(listed.Reactions) != 0 {
		t.Fatalf("expected no reactions left, got %+v", listed.Reactions)
	}
}

func TestReadCursorAndUnread(t *testing.T) {
	mkConv(t, "h-cursor", "alice")
	for i := 1; i <= 3; i++ {
		do(t, http.MethodPost, "/v1/conversations/h-cursor/messages", map[string]any{
			"content":   "m",
			"client_id": fmt.Sprintf("cl-cur%d", i),
		}, "alice", "")
	}

	w := do(t, http.MethodPut, "/v1/conversations/h-cursor/read-cursor", map[string]any{
		"seq": 2,
	}, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("set cursor: status %d body %s", w.Code, w.Body.String())
	}

	w = do(t, http.MethodGet, "/v1/conversations/h-cursor/unread", nil, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unread: status %d body %s", w.Code, w.Body.String())
	}
	var res struct {
		LatestSeq   uint64 `json:"latest_seq"`
		LastReadSeq uint64 `json:"last_read_seq"`
		Unread      uint64 `json:"unread"`
	}
	decode(t, w, &res)
	if res.LatestSeq != 3 || res.LastReadSeq != 2 || res.Unread != 1 {
		t.Fatalf("unexpected unread view: %+v", res)
	}

	// cursor ahead of the stream is rejected
	w = do(t, http.MethodPut, "/v1/conversations/h-cursor/read-cursor", map[string]any{
		"seq": 99,
	}, "alice", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for cursor past latest, got %d", w.Code)
	}
}

func TestClosedConversationRejectsAppends(t *testing.T) {
	mkConv(t, "h-closed", "alice")

	w := do(t, http.MethodPost, "/v1/conversations/h-closed/status", map[string]any{
		"status": "closed",
	}, "", "backend")
	if w.Code != http.StatusOK {
		t.Fatalf("close: status %d body %s", w.Code, w.Body.String())
	}

	w = do(t, http.MethodPost, "/v1/conversations/h-closed/messages", map[string]any{
		"content":   "too late",
		"client_id": "cl-z1",
	}, "alice", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for closed conversation, got %d body %s", w.Code, w.Body.String())
	}
}

func TestUnknownConversationIs404(t *testing.T) {
	w := do(t, http.MethodGet, "/v1/conversations/h-missing", nil, "", "backend")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for backend caller, got %d", w.Code)
	}
	// user callers cannot distinguish unknown from off-limits
	w = do(t, http.MethodGet, "/v1/conversations/h-missing", nil, "alice", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user caller, got %d", w.Code)
	}
}

func TestReadsRequireMembership(t *testing.T) {
	mkConv(t, "h-private", "alice")
	w := do(t, http.MethodPost, "/v1/conversations/h-private/messages", map[string]any{
		"content":   "for alice only",
		"client_id": "cl-p1",
	}, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("seed append: status %d", w.Code)
	}
	var msg struct {
		MessageID string `json:"message_id"`
	}
	decode(t, w, &msg)

	paths := []string{
		"/v1/conversations/h-private",
		"/v1/conversations/h-private?from_seq=1",
		"/v1/conversations/h-private?before=9999999999999",
		"/v1/conversations/h-private/participants",
		"/v1/conversations/h-private/messages/" + msg.MessageID,
		"/v1/conversations/h-private/messages/" + msg.MessageID + "/reactions",
	}
	for _, p := range paths {
		if w := do(t, http.MethodGet, p, nil, "mallory", ""); w.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403 for non-participant, got %d body %s", p, w.Code, w.Body.String())
		}
	}

	// participants and backend callers still read everything
	if w := do(t, http.MethodGet, "/v1/conversations/h-private?from_seq=1", nil, "alice", ""); w.Code != http.StatusOK {
		t.Fatalf("participant read: status %d", w.Code)
	}
	if w := do(t, http.MethodGet, "/v1/conversations/h-private?from_seq=1", nil, "", "backend"); w.Code != http.StatusOK {
		t.Fatalf("backend read: status %d", w.Code)
	}
}

func TestTenantListingRequiresBackend(t *testing.T) {
	w := do(t, http.MethodGet, "/v1/conversations?tenant=acme", nil, "mallory", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for signed user, got %d", w.Code)
	}
}

func TestListConversationsByTenant(t *testing.T) {
	mkConv(t, "h-tenant-1", "alice")

	w := do(t, http.MethodGet, "/v1/conversations?tenant=acme", nil, "", "backend")
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d body %s", w.Code, w.Body.String())
	}
	var res struct {
		Conversations []struct {
			ID string `json:"id"`
		} `json:"conversations"`
	}
	decode(t, w, &res)
	found := false
	for _, c := range res.Conversations {
		if c.ID == "h-tenant-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("h-tenant-1 missing from tenant listing: %+v", res.Conversations)
	}
}
