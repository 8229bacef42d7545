package rules

import (
	"context"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// UserRestriction limits triggers to resources authored by allowed users or
// members of allowed organizations. With skipBots set, changes made by bot
// accounts or by the watcher's own account are skipped.
type UserRestriction struct {
	users    sets.Set[string]
	orgs     []string
	skipBots bool
}

func NewUserRestriction(users, orgs []string, skipBots bool) *UserRestriction {
	return &UserRestriction{
		users:    sets.New(users...),
		orgs:     orgs,
		skipBots: skipBots,
	}
}

func (r *UserRestriction) Name() string { return "user-restriction" }

func (r *UserRestriction) Evaluate(ctx context.Context, remote resource.Ref, _ *resource.Entry, rc *Context) (resource.Verdict, error) {
	author := remote.Author
	if author == "" || remote.Deleted() {
		return resource.NoOpinionVerdict(), nil
	}

	if r.skipBots {
		if strings.HasSuffix(author, "[bot]") {
			return resource.SkipVerdict("author " + author + " is a bot"), nil
		}
		self, err := rc.IsSelf(ctx, author)
		if err != nil {
			return resource.Verdict{}, err
		}
		if self {
			return resource.SkipVerdict("change was made by the watcher itself (" + author + ")"), nil
		}
	}

	allowed, err := r.allowed(ctx, author, rc)
	if err != nil {
		return resource.Verdict{}, err
	}
	if !allowed {
		return resource.SkipVerdict("user " + author + " is not allowed"), nil
	}
	return resource.NoOpinionVerdict(), nil
}

func (r *UserRestriction) allowed(ctx context.Context, user string, rc *Context) (bool, error) {
	if r.users.Len() == 0 && len(r.orgs) == 0 {
		return true, nil
	}
	if r.users.Has(user) {
		return true, nil
	}
	for _, org := range r.orgs {
		member, err := rc.IsMember(ctx, org, user)
		if err != nil {
			return false, err
		}
		if member {
			rc.Logf("%s is a member of %s", user, org)
			return true, nil
		}
	}
	return false, nil
}
