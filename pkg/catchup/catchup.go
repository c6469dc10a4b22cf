// Package catchup implements the pagination protocol clients use to
// reconcile local state after a gap in live delivery. Sequence mode is exact
// and resumable; cursor mode is the simpler "load older history" path.
package catchup

import (
	"talkd/pkg/apperr"
	"talkd/pkg/models"
	"talkd/pkg/store"
)

const (
	// DefaultLimit applies when the caller does not request a page size.
	DefaultLimit = 50
	// MaxLimit caps any requested page size.
	MaxLimit = 200
)

var (
	defaultLimit = DefaultLimit
	maxLimit     = MaxLimit
)

// Configure overrides the page limits from config. Zero values keep the
// defaults.
func Configure(def, max int) {
	if def > 0 {
		defaultLimit = def
	}
	if max > 0 {
		maxLimit = max
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// SeqPage is the sequence-mode response. NextFromSeq is nil when the caller
// is caught up.
type SeqPage struct {
	Conversation string           `json:"conversation"`
	Messages     []models.Message `json:"messages"`
	LatestSeq    uint64           `json:"latest_seq"`
	NextFromSeq  *uint64          `json:"next_from_seq"`
}

// CursorPage is the cursor-mode response, ascending for display.
type CursorPage struct {
	Conversation string           `json:"conversation"`
	Messages     []models.Message `json:"messages"`
	HasMore      bool             `json:"has_more"`
}

// FromSeq returns messages with seq >= fromSeq in ascending order, bounded
// by limit, plus the resumption token. fromSeq 0 is treated as 1.
//
// Requests reaching below the retention floor, or against a conversation
// that predates the sequencing scheme, degrade explicitly instead of
// returning silently wrong pages.
func FromSeq(convID string, fromSeq uint64, limit int) (SeqPage, error) {
	conv, err := store.GetConversation(convID)
	if err != nil {
		return SeqPage{}, err
	}
	if !conv.Sequenced {
		return SeqPage{}, apperr.Degraded("conversation %s has no sequence metadata", convID)
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	floor, err := store.GetFloor(convID)
	if err != nil {
		return SeqPage{}, err
	}
	if fromSeq < floor {
		return SeqPage{}, apperr.Degraded("messages below seq %d were pruned", floor)
	}

	limit = clampLimit(limit)
	msgs, err := store.ListFromSeq(convID, fromSeq, limit)
	if err != nil {
		return SeqPage{}, err
	}
	page := SeqPage{Conversation: convID, Messages: msgs, LatestSeq: conv.LatestSeq}
	if n := len(msgs); n > 0 && msgs[n-1].Seq < conv.LatestSeq {
		next := msgs[n-1].Seq + 1
		page.NextFromSeq = &next
	}
	if len(msgs) == 0 && fromSeq <= conv.LatestSeq {
		// The range exists but returned nothing: rows are missing under the
		// floor bookkeeping, which means metadata is unreliable.
		return SeqPage{}, apperr.Degraded("sequence range %d..%d unavailable", fromSeq, conv.LatestSeq)
	}
	return page, nil
}

// Before returns the most recent limit messages strictly before beforeTS
// (ms), ascending for display, with a has_more flag.
func Before(convID string, beforeTS int64, limit int) (CursorPage, error) {
	if _, err := store.GetConversation(convID); err != nil {
		return CursorPage{}, err
	}
	limit = clampLimit(limit)
	msgs, hasMore, err := store.ListBefore(convID, beforeTS, limit)
	if err != nil {
		return CursorPage{}, err
	}
	return CursorPage{Conversation: convID, Messages: msgs, HasMore: hasMore}, nil
}
