package flow

import (
	"github.com/samber/lo"

	"github.com/mentis-edu/mentis/internal/models"
)

// Unbounded disables history truncation.
const Unbounded = -1

// DefaultHistoryLimit is the number of past messages sent to the tutor model.
const DefaultHistoryLimit = 40

// selectHistory returns the messages sent to the model: fallback replies are dropped
// and only the most recent limit messages are kept. When hasCurrent is set the last
// message is the one being answered and survives any limit, including zero.
func selectHistory(msgs []models.Message, limit int, hasCurrent bool) []models.Message {
	kept := lo.Filter(msgs, func(m models.Message, _ int) bool {
		return m.Kind != models.MessageKindFallback
	})
	if limit < 0 || len(kept) <= limit {
		return kept
	}
	if limit == 0 {
		if hasCurrent && len(kept) > 0 {
			return kept[len(kept)-1:]
		}
		return nil
	}
	return kept[len(kept)-limit:]
}
