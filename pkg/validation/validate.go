// Package validation enforces input shape and size limits at the API
// boundary, before a request ever reaches a conversation actor.
package validation

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"talkd/pkg/apperr"
	"talkd/pkg/models"
)

// Limits bounds append payloads. Zero fields fall back to defaults.
type Limits struct {
	MaxContentBytes  int
	MaxMetadataBytes int
	MaxMetadataKeys  int
}

const (
	defaultMaxContentBytes  = 64 * 1024
	defaultMaxMetadataBytes = 8 * 1024
	defaultMaxMetadataKeys  = 32
	maxEmojiBytes           = 32
)

var (
	mu     sync.RWMutex
	limits = Limits{}
)

// SetLimits installs the configured limits globally.
func SetLimits(l Limits) {
	mu.Lock()
	defer mu.Unlock()
	limits = l
}

func current() Limits {
	mu.RLock()
	defer mu.RUnlock()
	l := limits
	if l.MaxContentBytes <= 0 {
		l.MaxContentBytes = defaultMaxContentBytes
	}
	if l.MaxMetadataBytes <= 0 {
		l.MaxMetadataBytes = defaultMaxMetadataBytes
	}
	if l.MaxMetadataKeys <= 0 {
		l.MaxMetadataKeys = defaultMaxMetadataKeys
	}
	return l
}

// ValidateAppend checks an append request before it is routed to the actor.
// The role enum deliberately excludes "assistant": assistant output is not
// part of this ordered stream.
func ValidateAppend(role models.Role, author, content string, metadata map[string]any, clientID string) error {
	l := current()
	switch role {
	case models.RoleUser:
		if author == "" {
			return apperr.Validation("user messages require an author")
		}
	case models.RoleSystem:
	default:
		return apperr.Validation("invalid role %q", role)
	}
	if content == "" {
		return apperr.Validation("content is required")
	}
	if len(content) > l.MaxContentBytes {
		return apperr.Validation("content exceeds %d bytes", l.MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return apperr.Validation("content is not valid UTF-8")
	}
	if clientID == "" {
		return apperr.Validation("client_id is required")
	}
	if len(clientID) > 128 {
		return apperr.Validation("client_id exceeds 128 bytes")
	}
	if metadata != nil {
		if len(metadata) > l.MaxMetadataKeys {
			return apperr.Validation("metadata exceeds %d keys", l.MaxMetadataKeys)
		}
		b, err := json.Marshal(metadata)
		if err != nil {
			return apperr.Validation("metadata is not serializable")
		}
		if len(b) > l.MaxMetadataBytes {
			return apperr.Validation("metadata exceeds %d bytes", l.MaxMetadataBytes)
		}
	}
	return nil
}

// ValidateEmoji bounds reaction keys. Any short non-empty UTF-8 string is
// accepted; clients own the emoji vocabulary.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return apperr.Validation("emoji is required")
	}
	if len(emoji) > maxEmojiBytes {
		return apperr.Validation("emoji exceeds %d bytes", maxEmojiBytes)
	}
	if !utf8.ValidString(emoji) {
		return apperr.Validation("emoji is not valid UTF-8")
	}
	return nil
}
