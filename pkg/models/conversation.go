package models

// ConversationStatus is the soft lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "active"
	StatusArchived ConversationStatus = "archived"
	StatusClosed   ConversationStatus = "closed"
)

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s ConversationStatus) bool {
	switch s {
	case StatusActive, StatusArchived, StatusClosed:
		return true
	}
	return false
}

// Conversation is the per-conversation metadata row. LatestSeq and
// MembershipVersion are mutated only by the conversation's actor.
type Conversation struct {
	ID       string             `json:"id"`
	TenantID string             `json:"tenant_id"`
	Status   ConversationStatus `json:"status"`

	// LatestSeq is the highest sequence number assigned to any message in
	// this conversation. Monotonic, never reused.
	LatestSeq uint64 `json:"latest_seq"`

	// MembershipVersion increments on every participant-set mutation.
	MembershipVersion uint64 `json:"membership_version"`

	// Sequenced marks conversations written under the seq scheme. Imported
	// legacy rows without it cannot serve sequence-mode catch-up.
	Sequenced bool `json:"sequenced"`

	// Timestamps (ms). ClosedTS is set on transition into closed and
	// cleared on transition out.
	CreatedTS     int64 `json:"created_ts"`
	UpdatedTS     int64 `json:"updated_ts"`
	LastMessageTS int64 `json:"last_message_ts,omitempty"`
	ClosedTS      int64 `json:"closed_ts,omitempty"`
}

// Participant is a membership row. LastReadSeq backs unread counts; cursor
// updates are serialized through the conversation's actor because they
// share this row with membership mutations.
type Participant struct {
	Conversation string `json:"conversation"`
	UserID       string `json:"user_id"`
	JoinedTS     int64  `json:"joined_ts"`
	LastReadSeq  uint64 `json:"last_read_seq,omitempty"`
}
