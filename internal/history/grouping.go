package history

import (
	"strings"
	"time"
	"unicode/utf8"
)

const previewRunes = 50

// ChatEntry is an Interaction rendered for history browsing.
type ChatEntry struct {
	Interaction
	Preview  string        `json:"preview"`
	Messages []ChatMessage `json:"messages"`
}

type ChatMessage struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PeriodGroup is a titled bucket of entries such as "Today".
type PeriodGroup struct {
	Title string      `json:"title"`
	Chats []ChatEntry `json:"chats"`
}

var periodTitles = []string{"Today", "Yesterday", "This Week", "This Month", "Older"}

// GroupByPeriod buckets newest-first interactions by calendar period relative
// to now in loc. Duplicate (question, response) pairs keep only their newest
// occurrence and empty buckets are omitted.
func GroupByPeriod(items []Interaction, now time.Time, loc *time.Location) []PeriodGroup {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	today := dateOf(now)
	yesterday := today.AddDate(0, 0, -1)
	thisYear, thisWeek := now.ISOWeek()

	type pair struct{ q, r string }
	seen := make(map[pair]struct{}, len(items))
	buckets := make([][]ChatEntry, len(periodTitles))

	for _, it := range items {
		key := pair{it.Question, it.Response}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		at := it.CreatedAt.In(loc)
		day := dateOf(at)
		year, week := at.ISOWeek()

		var idx int
		switch {
		case day.Equal(today):
			idx = 0
		case day.Equal(yesterday):
			idx = 1
		case year == thisYear && week == thisWeek:
			idx = 2
		case at.Year() == now.Year() && at.Month() == now.Month():
			idx = 3
		default:
			idx = 4
		}
		buckets[idx] = append(buckets[idx], newChatEntry(it))
	}

	groups := make([]PeriodGroup, 0, len(periodTitles))
	for i, chats := range buckets {
		if len(chats) == 0 {
			continue
		}
		groups = append(groups, PeriodGroup{Title: periodTitles[i], Chats: chats})
	}
	return groups
}

func newChatEntry(it Interaction) ChatEntry {
	question := strings.ReplaceAll(it.Question, "()", "")
	it.Question = question
	entry := ChatEntry{Interaction: it, Preview: preview(question)}
	if question != "" {
		entry.Messages = append(entry.Messages, ChatMessage{Sender: "user", Content: question, Timestamp: it.CreatedAt})
	}
	if it.Response != "" {
		entry.Messages = append(entry.Messages, ChatMessage{Sender: "assistant", Content: it.Response, Timestamp: it.CreatedAt})
	}
	return entry
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes]) + "..."
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
