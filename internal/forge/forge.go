// Package forge talks to the code host of the repository under validation:
// it resolves pull request heads, posts commit statuses and keeps one
// report comment per pull request up to date.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/prgate/internal/config"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/retry"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/prgate/internal/forge")

// CommentMarker identifies the comment maintained by UpsertComment.
const CommentMarker = "<!-- prgate report -->"

// Commit status states.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

// maxDescription is the commit status description limit.
const maxDescription = 140

// Repo names a repository on the code host.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// ParseRepo accepts owner/name, https clone URLs and scp-style ssh URLs.
func ParseRepo(s string) (Repo, error) {
	path := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(path, "git@"):
		if i := strings.Index(path, ":"); i >= 0 {
			path = path[i+1:]
		}
	case strings.Contains(path, "://"):
		path = path[strings.Index(path, "://")+3:]
		i := strings.Index(path, "/")
		if i < 0 {
			return Repo{}, fmt.Errorf("repository %q has no path", s)
		}
		path = path[i+1:]
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("repository %q is not owner/name", s)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// PullRequest is the resolved state of a pull request.
type PullRequest struct {
	Number   int
	Title    string
	HeadRef  string
	HeadSHA  string
	BaseRef  string
	CloneURL string
	State    string
}

// Client wraps the GitHub API.
type Client struct {
	gh            *github.Client
	statusContext string
	retrier       *retry.Retrier
	maxRetries    int
	logger        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetrier replaces the retry policy for API calls.
func WithRetrier(r *retry.Retrier, maxRetries int) Option {
	return func(c *Client) {
		c.retrier = r
		c.maxRetries = maxRetries
	}
}

// New creates an authenticated client. APIURL selects a GitHub Enterprise
// endpoint.
func New(ctx context.Context, cfg config.GitHubConfig, logger *logging.Logger, opts ...Option) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, &pipeline.ConfigurationError{Reason: "github token not set"}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.APIURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.APIURL, cfg.APIURL)
		if err != nil {
			return nil, &pipeline.ConfigurationError{Reason: fmt.Sprintf("invalid github api_url: %v", err)}
		}
	}
	return newClient(gh, cfg.StatusContext, logger, opts...), nil
}

func newClient(gh *github.Client, statusContext string, logger *logging.Logger, opts ...Option) *Client {
	if statusContext == "" {
		statusContext = "prgate"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Client{
		gh:            gh,
		statusContext: statusContext,
		retrier:       retry.New(retry.Config{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}),
		maxRetries:    3,
		logger:        logger.Named("forge"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PullRequest resolves the head and base of pull request number.
func (c *Client) PullRequest(ctx context.Context, repo Repo, number int) (*PullRequest, error) {
	ctx, span := tracer.Start(ctx, "forge.PullRequest")
	defer span.End()
	span.SetAttributes(attribute.String("repo", repo.String()), attribute.Int("pr", number))

	var pr *github.PullRequest
	err := c.call(ctx, "get pull request", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseRef: pr.GetBase().GetRef(),
		State:   pr.GetState(),
	}
	if r := pr.GetHead().GetRepo(); r != nil {
		out.CloneURL = r.GetCloneURL()
	}
	c.logger.Debug(ctx, "resolved pull request",
		zap.String("repo", repo.String()),
		zap.Int("pr", number),
		zap.String("head", out.HeadRef),
		zap.String("sha", out.HeadSHA),
	)
	return out, nil
}

// SetStatus posts a commit status on sha.
func (c *Client) SetStatus(ctx context.Context, repo Repo, sha, state, description, targetURL string) error {
	ctx, span := tracer.Start(ctx, "forge.SetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("repo", repo.String()), attribute.String("state", state))

	if len(description) > maxDescription {
		description = description[:maxDescription-3] + "..."
	}
	status := &github.RepoStatus{
		State:       github.String(state),
		Description: github.String(description),
		Context:     github.String(c.statusContext),
	}
	if targetURL != "" {
		status.TargetURL = github.String(targetURL)
	}
	return c.call(ctx, "create status", func(ctx context.Context) (*github.Response, error) {
		_, resp, err := c.gh.Repositories.CreateStatus(ctx, repo.Owner, repo.Name, sha, status)
		return resp, err
	})
}

// ReportRun posts the final commit status of run.
func (c *Client) ReportRun(ctx context.Context, repo Repo, run *pipeline.PipelineRun, targetURL string) error {
	if run.Commit == "" {
		return &pipeline.ConfigurationError{Reason: "run has no commit to report on"}
	}
	state := StateFailure
	if run.Success {
		state = StateSuccess
	}
	return c.SetStatus(ctx, repo, run.Commit, state, StatusDescription(run), targetURL)
}

// StatusDescription summarizes run in one line.
func StatusDescription(run *pipeline.PipelineRun) string {
	var parts []string
	if run.Verdict != nil {
		if run.Verdict.CombinedScore != nil {
			parts = append(parts, fmt.Sprintf("score %.1f", *run.Verdict.CombinedScore))
		}
		if n := len(run.Verdict.FailedRequired); n > 0 {
			parts = append(parts, fmt.Sprintf("%d required failed", n))
		}
	}
	if len(parts) == 0 {
		if run.Success {
			return "validation passed"
		}
		return "validation failed"
	}
	return strings.Join(parts, ", ")
}

// UpsertComment creates or replaces the report comment on a pull request
// and returns its URL.
func (c *Client) UpsertComment(ctx context.Context, repo Repo, number int, body string) (string, error) {
	ctx, span := tracer.Start(ctx, "forge.UpsertComment")
	defer span.End()

	if !strings.Contains(body, CommentMarker) {
		body = CommentMarker + "\n" + body
	}

	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var existing *github.IssueComment
	for existing == nil {
		var (
			comments []*github.IssueComment
			resp     *github.Response
		)
		err := c.call(ctx, "list comments", func(ctx context.Context) (*github.Response, error) {
			var err error
			comments, resp, err = c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
			return resp, err
		})
		if err != nil {
			return "", err
		}
		for _, comment := range comments {
			if strings.Contains(comment.GetBody(), CommentMarker) {
				existing = comment
				break
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	var out *github.IssueComment
	if existing != nil {
		err := c.call(ctx, "edit comment", func(ctx context.Context) (*github.Response, error) {
			var resp *github.Response
			var err error
			out, resp, err = c.gh.Issues.EditComment(ctx, repo.Owner, repo.Name, existing.GetID(), &github.IssueComment{Body: &body})
			return resp, err
		})
		if err != nil {
			return "", err
		}
	} else {
		err := c.call(ctx, "create comment", func(ctx context.Context) (*github.Response, error) {
			var resp *github.Response
			var err error
			out, resp, err = c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: &body})
			return resp, err
		})
		if err != nil {
			return "", err
		}
	}
	return out.GetHTMLURL(), nil
}

// call runs op with retries. Rate limits and server errors are retried,
// other client errors are not.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) (*github.Response, error)) error {
	err := c.retrier.DoN(ctx, c.maxRetries, func(ctx context.Context, attempt int) error {
		resp, err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(resp, err) {
			return retry.Permanent(err)
		}
		c.logger.Warn(ctx, "github call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		return err
	})
	if err != nil {
		return &pipeline.CollaboratorError{Collaborator: "github", Op: op, Err: err}
	}
	return nil
}

func retryable(resp *github.Response, err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
