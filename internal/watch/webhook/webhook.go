// Package webhook turns GitHub events and manual check requests into
// hinted scheduler requests. It never runs a cycle itself.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	prowgithub "sigs.k8s.io/prow/pkg/github"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
	"github.com/petr-muller/ghwatch/internal/watch/scheduler"
)

const maxPayloadSize = 25 << 20

// Enqueuer accepts cycle requests for jobs
type Enqueuer interface {
	Enqueue(id string, req scheduler.Request) error
}

// Validator checks the signature of a webhook payload
type Validator func(payload []byte, signature string) bool

// PayloadValidator validates payloads with the shared webhook secret
func PayloadValidator(secret func() []byte) Validator {
	return func(payload []byte, signature string) bool {
		return prowgithub.ValidatePayload(payload, signature, secret)
	}
}

// Job is a registered job as the webhook sees it
type Job struct {
	Name  string
	Repo  resource.Repo
	Kinds []resource.Kind
}

// Handler serves /hook and /check
type Handler struct {
	mux      *http.ServeMux
	enqueuer Enqueuer
	validate Validator
	jobs     map[string]Job
	byRepo   map[string][]Job
	logger   *logrus.Entry
}

// NewHandler creates the handler. A nil validator disables /hook.
func NewHandler(jobs []Job, enqueuer Enqueuer, validate Validator, logger *logrus.Entry) *Handler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		mux:      http.NewServeMux(),
		enqueuer: enqueuer,
		validate: validate,
		jobs:     map[string]Job{},
		byRepo:   map[string][]Job{},
		logger:   logger,
	}
	for _, job := range jobs {
		h.jobs[job.Name] = job
		repo := strings.ToLower(job.Repo.String())
		h.byRepo[repo] = append(h.byRepo[repo], job)
	}
	if validate != nil {
		h.mux.HandleFunc("/hook", h.serveHook)
	}
	h.mux.HandleFunc("/check", h.serveCheck)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "400 Bad Request: Missing X-GitHub-Event Header", http.StatusBadRequest)
		return
	}
	signature := r.Header.Get("X-Hub-Signature")
	if signature == "" {
		http.Error(w, "403 Forbidden: Missing X-Hub-Signature", http.StatusForbidden)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, "500 Internal Server Error: Failed to read request body", http.StatusInternalServerError)
		return
	}
	if !h.validate(payload, signature) {
		http.Error(w, "403 Forbidden: Invalid X-Hub-Signature", http.StatusForbidden)
		return
	}

	logger := h.logger.WithFields(logrus.Fields{"event": eventType, "delivery": r.Header.Get("X-GitHub-Delivery")})
	repo, hint, err := parseEvent(eventType, payload)
	if err != nil {
		logger.WithError(err).Warn("Cannot parse webhook payload")
		http.Error(w, "400 Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if hint == nil {
		logger.Debug("Ignoring event")
		fmt.Fprint(w, "Event ignored")
		return
	}

	triggered := 0
	for _, job := range h.byRepo[strings.ToLower(repo.String())] {
		if !watches(job, hint.Kind) {
			continue
		}
		if err := h.enqueuer.Enqueue(job.Name, scheduler.Request{Trigger: scheduler.TriggerWebhook, Hint: hint}); err != nil {
			logger.WithError(err).WithField("job", job.Name).Error("Cannot enqueue check")
			continue
		}
		triggered++
	}
	logger.WithFields(logrus.Fields{"repo": repo.String(), "hint": hint.String(), "jobs": triggered}).Info("Webhook received")
	fmt.Fprintf(w, "Triggered %d jobs", triggered)
}

func watches(job Job, kind resource.Kind) bool {
	for _, k := range job.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// parseEvent extracts the repository and the resource an event is about. A
// nil hint means the event does not concern any watched resource.
func parseEvent(eventType string, payload []byte) (resource.Repo, *resource.Hint, error) {
	switch eventType {
	case "push":
		var event prowgithub.PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return resource.Repo{}, nil, err
		}
		repo := resource.Repo{Owner: event.Repo.Owner.Login, Name: event.Repo.Name}
		switch {
		case strings.HasPrefix(event.Ref, "refs/heads/"):
			return repo, &resource.Hint{Kind: resource.KindBranch, Key: strings.TrimPrefix(event.Ref, "refs/heads/")}, nil
		case strings.HasPrefix(event.Ref, "refs/tags/"):
			return repo, &resource.Hint{Kind: resource.KindTag, Key: strings.TrimPrefix(event.Ref, "refs/tags/")}, nil
		}
		return repo, nil, nil
	case "pull_request":
		var event prowgithub.PullRequestEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return resource.Repo{}, nil, err
		}
		repo := resource.Repo{Owner: event.Repo.Owner.Login, Name: event.Repo.Name}
		return repo, &resource.Hint{Kind: resource.KindPullRequest, Key: strconv.Itoa(event.Number)}, nil
	case "issue_comment":
		var event prowgithub.IssueCommentEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return resource.Repo{}, nil, err
		}
		repo := resource.Repo{Owner: event.Repo.Owner.Login, Name: event.Repo.Name}
		if !event.Issue.IsPullRequest() {
			return repo, nil, nil
		}
		return repo, &resource.Hint{Kind: resource.KindPullRequest, Key: strconv.Itoa(event.Issue.Number)}, nil
	}
	return resource.Repo{}, nil, nil
}

func (h *Handler) serveCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	name := query.Get("job")
	job, ok := h.jobs[name]
	if !ok {
		http.Error(w, fmt.Sprintf("404 Not Found: unknown job %q", name), http.StatusNotFound)
		return
	}

	req := scheduler.Request{Trigger: scheduler.TriggerManual}
	kind, key := query.Get("kind"), query.Get("key")
	if kind != "" || key != "" {
		hint, err := ParseHint(kind, key)
		if err != nil {
			http.Error(w, "400 Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}
		req.Hint = &hint
	}

	if err := h.enqueuer.Enqueue(job.Name, req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrUnknownJob) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	h.logger.WithField("job", job.Name).Info("Manual check requested")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "Check of %s queued", job.Name)
}

// ParseHint validates the kind and key of a hinted check
func ParseHint(kind, key string) (resource.Hint, error) {
	if kind == "" || key == "" {
		return resource.Hint{}, errors.New("a hinted check needs both kind and key")
	}
	parsed, err := resource.ParseKind(kind)
	if err != nil {
		return resource.Hint{}, err
	}
	if parsed == resource.KindPullRequest {
		if _, err := strconv.Atoi(strings.TrimPrefix(key, "#")); err != nil {
			return resource.Hint{}, fmt.Errorf("invalid pull request number %q", key)
		}
		key = strings.TrimPrefix(key, "#")
	}
	return resource.Hint{Kind: parsed, Key: key}, nil
}
