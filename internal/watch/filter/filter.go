package filter

import (
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// FieldChange describes one differing comparator field
type FieldChange struct {
	Field    string
	OldValue string
	NewValue string
}

// ShouldEvaluate reports whether a fetched ref differs from its snapshot entry
// enough to be worth running rules over. Unknown refs are always evaluated.
func ShouldEvaluate(remote resource.Ref, local *resource.Entry) bool {
	if local == nil {
		return true
	}
	if remote.CommitSHA != local.CommitSHA {
		return true
	}
	if remote.Kind == resource.KindPullRequest {
		return !remote.PRUpdatedAt.Equal(local.PRUpdatedAt) || !remote.IssueUpdatedAt.Equal(local.IssueUpdatedAt)
	}
	return false
}

// Changes lists the differences between a ref and its snapshot entry
func Changes(remote resource.Ref, local *resource.Entry) []FieldChange {
	if local == nil {
		return []FieldChange{{Field: "commit_sha", NewValue: remote.CommitSHA}}
	}

	var changes []FieldChange

	if remote.CommitSHA != local.CommitSHA {
		changes = append(changes, FieldChange{
			Field:    "commit_sha",
			OldValue: local.CommitSHA,
			NewValue: remote.CommitSHA,
		})
	}

	if remote.Kind != resource.KindPullRequest {
		return changes
	}

	if !remote.PRUpdatedAt.Equal(local.PRUpdatedAt) {
		changes = append(changes, FieldChange{
			Field:    "pr_updated_at",
			OldValue: formatTime(local.PRUpdatedAt),
			NewValue: formatTime(remote.PRUpdatedAt),
		})
	}

	if !remote.IssueUpdatedAt.Equal(local.IssueUpdatedAt) {
		changes = append(changes, FieldChange{
			Field:    "issue_updated_at",
			OldValue: formatTime(local.IssueUpdatedAt),
			NewValue: formatTime(remote.IssueUpdatedAt),
		})
	}

	if remote.Title != local.Title {
		changes = append(changes, FieldChange{
			Field:    "title",
			OldValue: local.Title,
			NewValue: remote.Title,
		})
	}

	if !sets.New(remote.Labels...).Equal(sets.New(local.Labels...)) {
		changes = append(changes, FieldChange{
			Field:    "labels",
			OldValue: strings.Join(sets.List(sets.New(local.Labels...)), ", "),
			NewValue: strings.Join(sets.List(sets.New(remote.Labels...)), ", "),
		})
	}

	return changes
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
