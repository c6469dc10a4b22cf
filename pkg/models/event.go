package models

// EventType tags frames pushed to live subscribers and transport control
// frames exchanged during connection setup.
type EventType string

const (
	EventAuth       EventType = "auth"
	EventAuthError  EventType = "auth.error"
	EventError      EventType = "error"
	EventMessageNew EventType = "message.new"
	EventReaction   EventType = "reaction.changed"
	EventMembership EventType = "membership.revoked"
)

// ReactionDelta describes a single reaction mutation pushed to subscribers.
// Seq is the reacted-to message's sequence number so clients can place the
// delta; reactions themselves consume no sequence numbers.
type ReactionDelta struct {
	MessageID string `json:"message_id"`
	Seq       uint64 `json:"seq"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Action    string `json:"action"` // add | remove
	Count     int    `json:"count"`
}

// Event is a push originating from a conversation actor. Every event
// carries the conversation's current membership version so a client holding
// a stale membership snapshot can detect the need to resync.
type Event struct {
	Type              EventType      `json:"type"`
	Conversation      string         `json:"conversation"`
	MembershipVersion uint64         `json:"membership_version"`
	Message           *Message       `json:"message,omitempty"`
	Reaction          *ReactionDelta `json:"reaction,omitempty"`
	RemovedUser       string         `json:"removed_user,omitempty"`
}

// Frame is the wire envelope on the realtime transport.
type Frame struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}
