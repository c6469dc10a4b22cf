package models

// Role identifies the author class of a message. Assistant-authored
// messages are not part of this stream and are rejected at validation.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Message is an immutable row in a conversation's ordered stream. Seq is
// assigned by the conversation's actor at persist time and is the sole
// ordering key.
type Message struct {
	ID           string         `json:"id"`
	Conversation string         `json:"conversation"`
	Seq          uint64         `json:"seq"`
	Role         Role           `json:"role"`
	Author       string         `json:"author,omitempty"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ReplyTo      string         `json:"reply_to,omitempty"`
	// ClientID is the caller-supplied idempotency token.
	ClientID string `json:"client_id,omitempty"`
	TS       int64  `json:"ts"`
}

// Reaction is a raw per-user reaction row, unique per
// (message, user, emoji). Reactions are aggregated on demand and never
// stored pre-aggregated.
type Reaction struct {
	Conversation string `json:"conversation"`
	MessageID    string `json:"message_id"`
	UserID       string `json:"user_id"`
	Emoji        string `json:"emoji"`
	TS           int64  `json:"ts"`
}

// ReactionSummary is the viewer-relative aggregate for one emoji.
type ReactionSummary struct {
	Emoji           string `json:"emoji"`
	Count           int    `json:"count"`
	ReactedByViewer bool   `json:"reacted_by_viewer"`
}
