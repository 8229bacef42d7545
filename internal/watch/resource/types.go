package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the type of a watched remote entity
type Kind string

const (
	KindBranch      Kind = "branch"
	KindTag         Kind = "tag"
	KindPullRequest Kind = "pull_request"
)

// Kinds lists every supported kind in a stable order
var Kinds = []Kind{KindBranch, KindTag, KindPullRequest}

// ParseKind converts a configuration or webhook string into a Kind
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBranch, KindTag, KindPullRequest:
		return Kind(s), nil
	case "pr", "pull", "pullrequest":
		return KindPullRequest, nil
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// Repo identifies a hosted repository
type Repo struct {
	Owner string
	Name  string
}

// ParseRepo parses an "owner/name" string
func ParseRepo(s string) (Repo, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, fmt.Errorf("repository must be in the owner/name form, got %q", s)
	}
	return Repo{Owner: owner, Name: name}, nil
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// Ref is one remote entity as observed by a single fetch. An empty CommitSHA
// means the entity was deleted (branch, tag) or closed (pull request).
type Ref struct {
	Kind      Kind
	Key       string
	CommitSHA string

	Title        string
	Author       string
	Body         string
	URL          string
	Number       int
	SourceBranch string
	TargetBranch string
	State        string
	Labels       []string
	Mergeable    *bool
	InBadState   bool

	PRUpdatedAt    time.Time
	IssueUpdatedAt time.Time
	LastCommentAt  time.Time
}

// Deleted reports whether the ref is a tombstone
func (r Ref) Deleted() bool {
	return r.CommitSHA == ""
}

// ID is the identity of the ref within a job, unique across kinds
func (r Ref) ID() string {
	return ID(r.Kind, r.Key)
}

// ID composes the job-wide identity of a resource
func ID(kind Kind, key string) string {
	return string(kind) + "/" + key
}

// Tombstone returns a deleted ref for a key, carrying the last known metadata
// from its snapshot entry
func Tombstone(kind Kind, key string, last Entry) Ref {
	ref := Ref{
		Kind:         kind,
		Key:          key,
		Title:        last.Title,
		Author:       last.Author,
		TargetBranch: last.TargetBranch,
		Labels:       last.Labels,
	}
	if kind == KindPullRequest {
		ref.Number, _ = strconv.Atoi(key)
	}
	return ref
}

// Entry is the last committed observation of one key
type Entry struct {
	CommitSHA    string    `yaml:"commit_sha"`
	LastSeenAt   time.Time `yaml:"last_seen_at"`
	Title        string    `yaml:"title,omitempty"`
	Author       string    `yaml:"author,omitempty"`
	TargetBranch string    `yaml:"target_branch,omitempty"`

	PRUpdatedAt    time.Time `yaml:"pr_updated_at,omitempty"`
	IssueUpdatedAt time.Time `yaml:"issue_updated_at,omitempty"`
	Labels         []string  `yaml:"labels,omitempty"`
	Mergeable      *bool     `yaml:"mergeable,omitempty"`
	InBadState     bool      `yaml:"in_bad_state,omitempty"`
	LastCommentAt  time.Time `yaml:"last_comment_at,omitempty"`
}

// NewEntry builds the entry that records ref as seen at the given time
func NewEntry(ref Ref, seenAt time.Time) Entry {
	return Entry{
		CommitSHA:      ref.CommitSHA,
		LastSeenAt:     seenAt,
		Title:          ref.Title,
		Author:         ref.Author,
		TargetBranch:   ref.TargetBranch,
		PRUpdatedAt:    ref.PRUpdatedAt,
		IssueUpdatedAt: ref.IssueUpdatedAt,
		Labels:         ref.Labels,
		Mergeable:      ref.Mergeable,
		InBadState:     ref.InBadState,
		LastCommentAt:  ref.LastCommentAt,
	}
}

// Hint restricts a cycle to a single resource
type Hint struct {
	Kind Kind
	Key  string
}

func (h Hint) String() string {
	return ID(h.Kind, h.Key)
}

// RateLimit is the provider API quota at one point in time
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

func (r RateLimit) String() string {
	return fmt.Sprintf("%d/%d, reset %s", r.Remaining, r.Limit, r.Reset.Format(time.RFC3339))
}
