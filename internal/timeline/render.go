package timeline

import (
	"time"

	"github.com/taskora/chatcore/internal/chat"
)

// RenderItem is one presentation row: the message plus derived view state.
// Grouping and date dividers are computed from the sorted sequence, never
// stored.
type RenderItem struct {
	Message chat.Message

	// Body is the display content: the placeholder for deleted messages,
	// the original content otherwise.
	Body string

	// StartsGroup and EndsGroup shape the bubble: consecutive messages
	// from the same author on the same day form one visual group.
	StartsGroup bool
	EndsGroup   bool

	// DateLabel is set on the first message of each calendar day and
	// renders as a divider above it.
	DateLabel string
}

// Render derives the presentation rows for the current snapshot. loc
// determines calendar-day boundaries for dividers.
func (t *Timeline) Render(loc *time.Location) []RenderItem {
	if loc == nil {
		loc = time.Local
	}
	msgs := t.Snapshot()
	items := make([]RenderItem, len(msgs))

	for i, m := range msgs {
		body := m.Body
		if m.Deleted {
			body = chat.DeletedPlaceholder
		}
		items[i] = RenderItem{Message: m, Body: body}

		day := dayOf(m.CreatedAt, loc)
		if i == 0 || day != dayOf(msgs[i-1].CreatedAt, loc) {
			items[i].DateLabel = day
		}

		items[i].StartsGroup = i == 0 ||
			msgs[i-1].AuthorID != m.AuthorID ||
			items[i].DateLabel != ""
	}
	for i := range items {
		last := i == len(items)-1
		items[i].EndsGroup = last ||
			items[i+1].StartsGroup
	}
	return items
}

func dayOf(unixMs int64, loc *time.Location) string {
	return time.UnixMilli(unixMs).In(loc).Format("2006-01-02")
}
