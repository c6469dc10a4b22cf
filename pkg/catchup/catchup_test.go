package catchup

import (
	"fmt"
	"os"
	"testing"
	"time"

	"talkd/pkg/apperr"
	"talkd/pkg/models"
	"talkd/pkg/store"
)

func seedConversation(t *testing.T, id string, n int) {
	t.Helper()
	now := time.Now().UnixMilli()
	c := models.Conversation{
		ID: id, TenantID: "t1", Status: models.StatusActive,
		MembershipVersion: 1, Sequenced: true, CreatedTS: now, UpdatedTS: now,
	}
	if err := store.CreateConversation(c, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= n; i++ {
		seq := uint64(i)
		m := models.Message{
			ID: fmt.Sprintf("m-%s-%d", id, i), Conversation: id, Seq: seq,
			Role: models.RoleUser, Author: "alice", Content: "x",
			ClientID: fmt.Sprintf("c-%d", i), TS: now + int64(i),
		}
		c.LatestSeq = seq
		c.LastMessageTS = m.TS
		if err := store.ApplyAppend(c, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestMain(m *testing.M) {
	// shared store for the package; conversations are isolated by id
	dir, err := os.MkdirTemp("", "catchup-test-")
	if err != nil {
		panic(err)
	}
	if err := store.Open(dir); err != nil {
		panic(err)
	}
	code := m.Run()
	_ = store.Close()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func TestFromSeqPaging(t *testing.T) {
	seedConversation(t, "cu-1", 10)

	page, err := FromSeq("cu-1", 1, 4)
	if err != nil {
		t.Fatalf("from seq: %v", err)
	}
	if len(page.Messages) != 4 || page.Messages[0].Seq != 1 {
		t.Fatalf("unexpected first page: %d messages", len(page.Messages))
	}
	if page.LatestSeq != 10 {
		t.Fatalf("latest_seq = %d, want 10", page.LatestSeq)
	}
	if page.NextFromSeq == nil || *page.NextFromSeq != 5 {
		t.Fatalf("next_from_seq = %v, want 5", page.NextFromSeq)
	}

	// follow the resumption token to the end
	page, err = FromSeq("cu-1", *page.NextFromSeq, 100)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Messages) != 6 {
		t.Fatalf("second page has %d messages, want 6", len(page.Messages))
	}
	if page.NextFromSeq != nil {
		t.Fatalf("expected caught up, got next_from_seq=%d", *page.NextFromSeq)
	}
}

func TestFromSeqZeroMeansOne(t *testing.T) {
	seedConversation(t, "cu-2", 3)
	page, err := FromSeq("cu-2", 0, 10)
	if err != nil {
		t.Fatalf("from seq: %v", err)
	}
	if len(page.Messages) != 3 || page.Messages[0].Seq != 1 {
		t.Fatalf("unexpected page: %+v", page.Messages)
	}
}

func TestFromSeqBeyondLatestIsEmpty(t *testing.T) {
	seedConversation(t, "cu-3", 3)
	page, err := FromSeq("cu-3", 4, 10)
	if err != nil {
		t.Fatalf("from seq: %v", err)
	}
	if len(page.Messages) != 0 || page.NextFromSeq != nil {
		t.Fatalf("expected empty caught-up page, got %+v", page)
	}
}

func TestFromSeqBelowFloorDegrades(t *testing.T) {
	seedConversation(t, "cu-4", 10)
	if _, err := store.PurgeMessages("cu-4", 6, 100, false); err != nil {
		t.Fatalf("purge: %v", err)
	}
	_, err := FromSeq("cu-4", 2, 10)
	if !apperr.IsKind(err, apperr.KindDegraded) {
		t.Fatalf("expected degraded, got %v", err)
	}
	// at the floor is fine
	page, err := FromSeq("cu-4", 6, 10)
	if err != nil {
		t.Fatalf("from floor: %v", err)
	}
	if len(page.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(page.Messages))
	}
}

func TestUnsequencedConversationDegrades(t *testing.T) {
	now := time.Now().UnixMilli()
	c := models.Conversation{ID: "cu-5", TenantID: "t1", Status: models.StatusActive, CreatedTS: now}
	if err := store.CreateConversation(c, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := FromSeq("cu-5", 1, 10); !apperr.IsKind(err, apperr.KindDegraded) {
		t.Fatalf("expected degraded, got %v", err)
	}
}

func TestUnknownConversation(t *testing.T) {
	if _, err := FromSeq("cu-ghost", 1, 10); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBeforeCursor(t *testing.T) {
	seedConversation(t, "cu-6", 6)
	c, err := store.GetConversation("cu-6")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// cut strictly before the newest message's timestamp
	page, err := Before("cu-6", c.LastMessageTS, 3)
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(page.Messages))
	}
	if !page.HasMore {
		t.Fatal("expected has_more")
	}
	// ascending order for display
	if page.Messages[0].Seq >= page.Messages[2].Seq {
		t.Fatalf("page not ascending: %d..%d", page.Messages[0].Seq, page.Messages[2].Seq)
	}
}

func TestLimitClamp(t *testing.T) {
	seedConversation(t, "cu-7", 5)
	Configure(2, 3)
	defer Configure(DefaultLimit, MaxLimit)

	page, err := FromSeq("cu-7", 1, 0)
	if err != nil {
		t.Fatalf("default limit: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("default limit gave %d messages, want 2", len(page.Messages))
	}
	page, err = FromSeq("cu-7", 1, 100)
	if err != nil {
		t.Fatalf("max limit: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("max limit gave %d messages, want 3", len(page.Messages))
	}
}
