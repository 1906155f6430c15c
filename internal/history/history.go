package history

import (
	"context"
	"sort"
	"time"

	"github.com/vysti/revise/internal/backend"
)

// AttemptSummary is a read-only view of one historical mark event.
type AttemptSummary struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	FileName    string         `json:"file_name"`
	Mode        string         `json:"mode"`
	LabelCounts map[string]int `json:"label_counts"`
	TotalIssues int            `json:"total_issues"`
	TopIssue    string         `json:"top_issue"`
}

// Source lists a user's mark events, newest first.
type Source interface {
	RecentMarkEvents(ctx context.Context, userID string, limit int) ([]backend.MarkEvent, error)
}

const fetchLimit = 50

// Service turns mark events into attempt summaries for one file.
type Service struct {
	source Source
}

func NewService(source Source) *Service {
	return &Service{source: source}
}

// Attempts returns summaries of prior marks of fileName, newest first.
func (s *Service) Attempts(ctx context.Context, userID, fileName string, limit int) ([]AttemptSummary, error) {
	events, err := s.source.RecentMarkEvents(ctx, userID, fetchLimit)
	if err != nil {
		return nil, err
	}

	var attempts []AttemptSummary
	for _, ev := range events {
		if ev.FileName != fileName {
			continue
		}
		attempts = append(attempts, Summarize(ev))
		if limit > 0 && len(attempts) == limit {
			break
		}
	}
	return attempts, nil
}

// Summarize derives the totals shown in the attempt list.
func Summarize(ev backend.MarkEvent) AttemptSummary {
	total := 0
	for _, n := range ev.LabelCounts {
		total += n
	}
	return AttemptSummary{
		ID:          ev.ID,
		CreatedAt:   ev.CreatedAt,
		FileName:    ev.FileName,
		Mode:        ev.Mode,
		LabelCounts: ev.LabelCounts,
		TotalIssues: total,
		TopIssue:    topIssue(ev.LabelCounts),
	}
}

// topIssue is the label with the highest count, ties broken alphabetically.
func topIssue(counts map[string]int) string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})
	if len(labels) == 0 {
		return ""
	}
	return labels[0]
}
