package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

const (
	DefaultEndpoint = "https://api.github.com"
	apiVersion      = "2022-11-28"
	perPage         = 100
)

// APIError is a non-2xx response of the GitHub REST API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 response
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// RESTClient reads the parts of the GitHub API the prow client does not
// expose: branch and tag heads, compare ranges, issue timestamps and the
// rate limit. Transient failures are retried.
type RESTClient struct {
	endpoint string
	token    func() []byte
	client   *retryablehttp.Client
}

// NewRESTClient creates a client for the given API endpoint. The token
// generator is called for every request so rotated tokens are picked up.
func NewRESTClient(endpoint string, token func() []byte, logger *logrus.Entry) *RESTClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = leveledLogger{logger.WithField("client", "github-rest")}
	return &RESTClient{endpoint: strings.TrimRight(endpoint, "/"), token: token, client: client}
}

// leveledLogger adapts logrus to retryablehttp; request chatter goes to debug
type leveledLogger struct {
	logger *logrus.Entry
}

func (l leveledLogger) fields(keysAndValues []any) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Error(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Warn(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.fields(keysAndValues).Trace(msg)
}

func (c *RESTClient) request(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != nil {
		if token := strings.TrimSpace(string(c.token())); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: GET %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	return resp, nil
}

func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Message == "" {
		payload.Message = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Message}
}

func (c *RESTClient) get(ctx context.Context, path string, result any) error {
	resp, err := c.request(ctx, c.endpoint+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("github: decoding %s: %w", path, err)
	}
	return nil
}

// list follows the Link headers of a paginated endpoint and collects all items
func list[T any](ctx context.Context, c *RESTClient, path string) ([]T, error) {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	next := fmt.Sprintf("%s%s%sper_page=%d", c.endpoint, path, separator, perPage)

	var all []T
	for next != "" {
		resp, err := c.request(ctx, next)
		if err != nil {
			return nil, err
		}
		var items []T
		err = json.NewDecoder(resp.Body).Decode(&items)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("github: decoding %s: %w", path, err)
		}
		all = append(all, items...)
		next = parseLinkNext(resp.Header.Get("Link"))
	}
	return all, nil
}

// parseLinkNext extracts the rel="next" URL of a Link header
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 || !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		link := strings.TrimSpace(segments[0])
		if strings.HasPrefix(link, "<") && strings.HasSuffix(link, ">") {
			return link[1 : len(link)-1]
		}
	}
	return ""
}

func repoPath(repo resource.Repo) string {
	return "/repos/" + url.PathEscape(repo.Owner) + "/" + url.PathEscape(repo.Name)
}

// Head is a named ref with the sha it points to
type Head struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// Branches lists all branches with their head commits
func (c *RESTClient) Branches(ctx context.Context, repo resource.Repo) ([]Head, error) {
	return list[Head](ctx, c, repoPath(repo)+"/branches")
}

// Tags lists all tags with the commits they point to
func (c *RESTClient) Tags(ctx context.Context, repo resource.Repo) ([]Head, error) {
	return list[Head](ctx, c, repoPath(repo)+"/tags")
}

// Commit is one commit of a compare range
type Commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
	} `json:"commit"`
}

// Compare returns the commits reachable from head but not from base
func (c *RESTClient) Compare(ctx context.Context, repo resource.Repo, base, head string) ([]Commit, error) {
	var comparison struct {
		Commits []Commit `json:"commits"`
	}
	path := fmt.Sprintf("%s/compare/%s...%s", repoPath(repo), url.PathEscape(base), url.PathEscape(head))
	if err := c.get(ctx, path, &comparison); err != nil {
		return nil, err
	}
	return comparison.Commits, nil
}

// Commit returns a single commit
func (c *RESTClient) Commit(ctx context.Context, repo resource.Repo, sha string) (Commit, error) {
	var commit Commit
	err := c.get(ctx, repoPath(repo)+"/commits/"+url.PathEscape(sha), &commit)
	return commit, err
}

type Label struct {
	Name string `json:"name"`
}

// IssueActivity is the issue side of a pull request: labels and comments
// bump its timestamp without touching the pull request itself
type IssueActivity struct {
	Number      int       `json:"number"`
	UpdatedAt   time.Time `json:"updated_at"`
	Labels      []Label   `json:"labels"`
	PullRequest *struct{} `json:"pull_request"`
}

// OpenPullRequestIssues lists the issue records of all open pull requests
func (c *RESTClient) OpenPullRequestIssues(ctx context.Context, repo resource.Repo) ([]IssueActivity, error) {
	issues, err := list[IssueActivity](ctx, c, repoPath(repo)+"/issues?state=open")
	if err != nil {
		return nil, err
	}
	var prs []IssueActivity
	for _, issue := range issues {
		if issue.PullRequest != nil {
			prs = append(prs, issue)
		}
	}
	return prs, nil
}

// RateLimit returns the core API quota
func (c *RESTClient) RateLimit(ctx context.Context) (resource.RateLimit, error) {
	var limits struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.get(ctx, "/rate_limit", &limits); err != nil {
		return resource.RateLimit{}, err
	}
	core := limits.Resources.Core
	return resource.RateLimit{Limit: core.Limit, Remaining: core.Remaining, Reset: time.Unix(core.Reset, 0)}, nil
}
