package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"talkd/pkg/actor"
	"talkd/pkg/config"
	"talkd/pkg/models"
	"talkd/pkg/store"
)

const testSigningKey = "ws-test-secret"

var reg *actor.Registry

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "ws-test-")
	if err != nil {
		panic(err)
	}
	if err := store.Open(dir); err != nil {
		panic(err)
	}
	config.SetRuntime(&config.RuntimeConfig{
		SigningKeys: map[string]struct{}{testSigningKey: {}},
	})
	reg = actor.NewRegistry(actor.Config{})

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

func mkConv(t *testing.T, id string, users ...string) {
	t.Helper()
	now := time.Now().UnixMilli()
	c := models.Conversation{
		ID:                id,
		TenantID:          "acme",
		Status:            models.StatusActive,
		MembershipVersion: 1,
		Sequenced:         true,
		CreatedTS:         now,
		UpdatedTS:         now,
	}
	var parts []models.Participant
	for _, u := range users {
		parts = append(parts, models.Participant{Conversation: id, UserID: u, JoinedTS: now})
	}
	if err := store.CreateConversation(c, parts); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendAuth(t *testing.T, conn *websocket.Conn, user, sig, conv string) {
	t.Helper()
	frame := map[string]any{
		"type": "auth",
		"data": map[string]string{
			"user_id":         user,
			"signature":       sig,
			"conversation_id": conv,
		},
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) models.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f struct {
		Type models.EventType `json:"type"`
		Data json.RawMessage  `json:"data"`
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return models.Frame{Type: f.Type, Data: f.Data}
}

func TestHandshakeAndPush(t *testing.T) {
	mkConv(t, "ws-push", "alice", "bob")
	srv := httptest.NewServer(http.HandlerFunc(NewHub(reg, Options{}).ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	sendAuth(t, conn, "alice", sign("alice"), "ws-push")

	ack := readFrame(t, conn)
	if ack.Type != models.EventAuth {
		t.Fatalf("expected auth ack, got %+v", ack)
	}
	var ackData struct {
		Conversation      string `json:"conversation_id"`
		LatestSeq         uint64 `json:"latest_seq"`
		MembershipVersion uint64 `json:"membership_version"`
	}
	if err := json.Unmarshal(ack.Data.(json.RawMessage), &ackData); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ackData.Conversation != "ws-push" || ackData.LatestSeq != 0 || ackData.MembershipVersion != 1 {
		t.Fatalf("unexpected ack: %+v", ackData)
	}

	res, err := reg.Append(context.Background(), "ws-push", actor.AppendRequest{
		Role: models.RoleUser, Author: "bob", Content: "hi alice", ClientID: "ws-cl-1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	push := readFrame(t, conn)
	if push.Type != models.EventMessageNew {
		t.Fatalf("expected message.new push, got %+v", push)
	}
	var pushData struct {
		Conversation string         `json:"conversation_id"`
		Message      models.Message `json:"message"`
	}
	if err := json.Unmarshal(push.Data.(json.RawMessage), &pushData); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if pushData.Message.ID != res.MessageID || pushData.Message.Seq != 1 {
		t.Fatalf("unexpected pushed message: %+v", pushData.Message)
	}
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	mkConv(t, "ws-badsig", "alice")
	srv := httptest.NewServer(http.HandlerFunc(NewHub(reg, Options{}).ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	sendAuth(t, conn, "alice", "not-a-signature", "ws-badsig")

	f := readFrame(t, conn)
	if f.Type != models.EventAuthError {
		t.Fatalf("expected auth.error, got %+v", f)
	}
}

func TestHandshakeRejectsNonParticipant(t *testing.T) {
	mkConv(t, "ws-member", "alice")
	srv := httptest.NewServer(http.HandlerFunc(NewHub(reg, Options{}).ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	sendAuth(t, conn, "mallory", sign("mallory"), "ws-member")

	f := readFrame(t, conn)
	if f.Type != models.EventAuthError {
		t.Fatalf("expected auth.error, got %+v", f)
	}
	var data struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(f.Data.(json.RawMessage), &data); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if data.Kind != "forbidden" {
		t.Fatalf("expected forbidden kind, got %q", data.Kind)
	}
}

func TestHandshakeRejectsNonAuthFirstFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(NewHub(reg, Options{}).ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteJSON(map[string]any{"type": "subscribe"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != models.EventAuthError {
		t.Fatalf("expected auth.error, got %+v", f)
	}
}

func TestRevokedUserIsDisconnected(t *testing.T) {
	mkConv(t, "ws-revoke", "alice", "bob")
	srv := httptest.NewServer(http.HandlerFunc(NewHub(reg, Options{}).ServeWS))
	defer srv.Close()

	conn := dial(t, srv)
	sendAuth(t, conn, "bob", sign("bob"), "ws-revoke")
	if f := readFrame(t, conn); f.Type != models.EventAuth {
		t.Fatalf("expected auth ack, got %+v", f)
	}

	if _, err := reg.RevokeParticipant(context.Background(), "ws-revoke", "bob"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// the revocation event is delivered, then the server closes
	f := readFrame(t, conn)
	if f.Type != models.EventMembership {
		t.Fatalf("expected membership.revoked, got %+v", f)
	}
	var data struct {
		RemovedUser       string `json:"removed_user"`
		MembershipVersion uint64 `json:"membership_version"`
	}
	if err := json.Unmarshal(f.Data.(json.RawMessage), &data); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if data.RemovedUser != "bob" || data.MembershipVersion != 2 {
		t.Fatalf("unexpected revocation event: %+v", data)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy-violation close, got %v", err)
	}
}
