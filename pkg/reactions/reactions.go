// Package reactions aggregates raw per-user reaction rows at read time.
// There is deliberately no cached tally table: the rows are the single
// source of truth.
package reactions

import (
	"sort"

	"talkd/pkg/models"
)

// Summarize groups rows by emoji and computes the viewer-relative flag.
// Output is sorted by emoji for deterministic responses.
func Summarize(rows []models.Reaction, viewerID string) []models.ReactionSummary {
	byEmoji := make(map[string]*models.ReactionSummary)
	for _, r := range rows {
		s, ok := byEmoji[r.Emoji]
		if !ok {
			s = &models.ReactionSummary{Emoji: r.Emoji}
			byEmoji[r.Emoji] = s
		}
		s.Count++
		if r.UserID == viewerID {
			s.ReactedByViewer = true
		}
	}
	out := make([]models.ReactionSummary, 0, len(byEmoji))
	for _, s := range byEmoji {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

// Tally returns the summary for a single emoji.
func Tally(rows []models.Reaction, emoji, viewerID string) models.ReactionSummary {
	s := models.ReactionSummary{Emoji: emoji}
	for _, r := range rows {
		if r.Emoji != emoji {
			continue
		}
		s.Count++
		if r.UserID == viewerID {
			s.ReactedByViewer = true
		}
	}
	return s
}
