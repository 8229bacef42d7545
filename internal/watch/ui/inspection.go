package ui

import (
	"sort"
	"time"

	"github.com/petr-muller/ghwatch/internal/watch/filter"
	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/snapshot"
)

// ItemStatus tells how a resource differs between the snapshot and GitHub
type ItemStatus string

const (
	StatusUnchanged ItemStatus = "unchanged"
	StatusNew       ItemStatus = "new"
	StatusChanged   ItemStatus = "changed"
	StatusRemoved   ItemStatus = "removed"
)

// Item is one row of the inspector
type Item struct {
	Kind       resource.Kind
	Key        string
	CommitSHA  string
	Title      string
	Author     string
	Labels     []string
	LastSeenAt time.Time
	Status     ItemStatus
	Changes    []filter.FieldChange
}

// Inspection is a snapshot of a job, optionally compared with the live
// remote state
type Inspection struct {
	Job     string
	Repo    resource.Repo
	SavedAt time.Time
	Live    bool
	Items   []Item
}

// NewInspection lists the snapshot entries. When remote is not nil, entries
// are compared with it the same way a cycle would: pending creations,
// changes and removals are marked, nothing is committed.
func NewInspection(job string, repo resource.Repo, snap *snapshot.RepositorySnapshot, remote []resource.Ref) Inspection {
	inspection := Inspection{Job: job, Repo: repo, SavedAt: snap.SavedAt(), Live: remote != nil}

	live := map[string]resource.Ref{}
	for _, ref := range remote {
		live[ref.ID()] = ref
	}

	for _, kind := range resource.Kinds {
		for key, entry := range snap.Entries(kind) {
			item := Item{
				Kind:       kind,
				Key:        key,
				CommitSHA:  entry.CommitSHA,
				Title:      entry.Title,
				Author:     entry.Author,
				Labels:     entry.Labels,
				LastSeenAt: entry.LastSeenAt,
				Status:     StatusUnchanged,
			}
			if inspection.Live {
				ref, ok := live[resource.ID(kind, key)]
				switch {
				case !ok || ref.Deleted():
					item.Status = StatusRemoved
				case filter.ShouldEvaluate(ref, &entry):
					item.Status = StatusChanged
					item.Changes = filter.Changes(ref, &entry)
				}
				delete(live, resource.ID(kind, key))
			}
			inspection.Items = append(inspection.Items, item)
		}
	}

	for _, ref := range live {
		if ref.Deleted() {
			continue
		}
		inspection.Items = append(inspection.Items, Item{
			Kind:      ref.Kind,
			Key:       ref.Key,
			CommitSHA: ref.CommitSHA,
			Title:     ref.Title,
			Author:    ref.Author,
			Labels:    ref.Labels,
			Status:    StatusNew,
		})
	}

	// removed items go last, the rest by kind then most recently seen
	sort.SliceStable(inspection.Items, func(i, j int) bool {
		a, b := inspection.Items[i], inspection.Items[j]
		if (a.Status == StatusRemoved) != (b.Status == StatusRemoved) {
			return b.Status == StatusRemoved
		}
		if a.Kind != b.Kind {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.Key < b.Key
	})
	return inspection
}

func kindOrder(kind resource.Kind) int {
	for i, k := range resource.Kinds {
		if k == kind {
			return i
		}
	}
	return len(resource.Kinds)
}

// Count returns how many items have the given status
func (i Inspection) Count(status ItemStatus) int {
	n := 0
	for _, item := range i.Items {
		if item.Status == status {
			n++
		}
	}
	return n
}
