// Package issues is an in-memory feed of detected issues.
package issues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"insight-resolver/internal/modal"
)

var ErrIssueNotFound = errors.New("issue not found")

type Feed struct {
	mu     sync.RWMutex
	issues map[string]modal.Issue
}

func NewFeed(seed ...modal.Issue) *Feed {
	f := &Feed{issues: make(map[string]modal.Issue, len(seed))}
	for _, is := range seed {
		f.Add(is)
	}
	return f
}

func (f *Feed) Add(is modal.Issue) {
	if is.Status == "" {
		is.Status = modal.IssueOpen
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[is.ID] = is
}

func (f *Feed) GetIssueByID(_ context.Context, id string) (modal.Issue, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	is, ok := f.issues[id]
	if !ok {
		return modal.Issue{}, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	return is, nil
}

// MarkIssueResolved flips the issue to resolved. Marking an already resolved
// issue keeps the first resolution time.
func (f *Feed) MarkIssueResolved(_ context.Context, id string, resolvedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	if is.Status == modal.IssueResolved {
		return nil
	}
	is.Status = modal.IssueResolved
	at := resolvedAt.UTC()
	is.ResolvedAt = &at
	f.issues[id] = is
	return nil
}

// List returns issues ordered by detection time, newest first.
func (f *Feed) List(_ context.Context) []modal.Issue {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]modal.Issue, 0, len(f.issues))
	for _, is := range f.issues {
		out = append(out, is)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// SampleIssues is the seed data used by the API and worker binaries.
func SampleIssues(now time.Time) []modal.Issue {
	return []modal.Issue{
		{
			ID:             "INS-1042",
			Title:          "Expired API credential breaking CRM sync",
			Description:    "The shared service credential used by three integrations expired; syncs have been failing since.",
			Severity:       "high",
			BusinessImpact: "Lead routing delayed for the sales team",
			DetectedAt:     now.Add(-2 * time.Hour),
		},
		{
			ID:             "INS-1043",
			Title:          "Webhook signing secret about to expire",
			Description:    "The billing webhook secret expires in 48 hours.",
			Severity:       "medium",
			BusinessImpact: "Payment notifications would stop",
			DetectedAt:     now.Add(-30 * time.Minute),
		},
	}
}
