// Package vcs implements the VCS Collaborator contract (spec.md §4.I): a
// thin remote-tracker client over the GitLab REST API and a local git
// wrapper over go-git, both consumed by the Task Engine.
package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/agent8hq/agent8ctr/pkg/log"
	"github.com/agent8hq/agent8ctr/pkg/retry"
)

// Project is the subset of a GitLab project the Task Engine needs.
type Project struct {
	ID            int    `json:"id"`
	DefaultBranch string `json:"default_branch"`
	HTTPURL       string `json:"http_url_to_repo"`
}

// Issue is the subset of a GitLab issue the Task Engine tracks.
type Issue struct {
	IID    int      `json:"iid"`
	Title  string   `json:"title"`
	Labels []string `json:"labels"`
}

// Comment is one note on an issue.
type Comment struct {
	ID     int       `json:"id"`
	Body   string    `json:"body"`
	System bool      `json:"system"`
	Time   time.Time `json:"created_at"`
}

// StatusError reports a non-2xx GitLab API response, preserving the status
// code so callers can decide whether it is worth retrying (spec.md §7: 404s
// are never retried).
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gitlab API returned %d", e.StatusCode)
}

// MergeRequestOptions configures CreateMergeRequest.
type MergeRequestOptions struct {
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
	Draft        bool
}

// Tracker is the remote issue-tracker surface the core consumes but does
// not implement (spec.md §4.I).
type Tracker interface {
	GetProject(id int) (*Project, error)
	GetIssue(projectID, iid int) (*Issue, error)
	GetIssueComments(projectID, iid int) ([]Comment, error)
	UpdateIssueLabels(projectID, iid int, labels []string) error
	AddIssueComment(projectID, iid int, body string) error
	CreateMergeRequest(projectID int, opts MergeRequestOptions) error
}

// GitLabClient is a Tracker backed by the GitLab REST API v4.
type GitLabClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewGitLabClient returns a Tracker authenticating with token against
// baseURL (e.g. https://gitlab.example.com).
func NewGitLabClient(baseURL, token string) *GitLabClient {
	return &GitLabClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GitLabClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+"/api/v4"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Token returns the bearer token this client authenticates with, so callers
// needing to authenticate a separate git clone URL don't have to keep a
// second copy of the credential.
func (c *GitLabClient) Token() string {
	return c.token
}

func (c *GitLabClient) GetProject(id int) (*Project, error) {
	var p Project
	if err := c.do(http.MethodGet, fmt.Sprintf("/projects/%d", id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *GitLabClient) GetIssue(projectID, iid int) (*Issue, error) {
	var i Issue
	if err := c.do(http.MethodGet, fmt.Sprintf("/projects/%d/issues/%d", projectID, iid), nil, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

func (c *GitLabClient) GetIssueComments(projectID, iid int) ([]Comment, error) {
	var cs []Comment
	path := fmt.Sprintf("/projects/%d/issues/%d/notes?sort=asc&order_by=created_at", projectID, iid)
	if err := c.do(http.MethodGet, path, nil, &cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (c *GitLabClient) UpdateIssueLabels(projectID, iid int, labels []string) error {
	path := fmt.Sprintf("/projects/%d/issues/%d", projectID, iid)
	return c.do(http.MethodPut, path, map[string]string{"labels": strings.Join(labels, ",")}, nil)
}

// commentRetryPolicy retries a failed comment post once after a 5-second
// delay (spec.md §7), except on a 404: the issue is gone and a retry can
// never succeed.
var commentRetryPolicy = retry.Policy{
	MaxAttempts: 2,
	BaseDelay:   5 * time.Second,
	ShouldRetry: func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.StatusCode != http.StatusNotFound
		}
		return true
	},
}

func (c *GitLabClient) AddIssueComment(projectID, iid int, body string) error {
	path := fmt.Sprintf("/projects/%d/issues/%d/notes", projectID, iid)
	attempt := 0
	return retry.Do(context.Background(), commentRetryPolicy, func() error {
		attempt++
		err := c.do(http.MethodPost, path, map[string]string{"body": body}, nil)
		if err != nil && attempt == 1 {
			log.WithComponent("vcs").Warn().Err(err).Msg("comment post failed, retrying once")
		}
		return err
	})
}

func (c *GitLabClient) CreateMergeRequest(projectID int, opts MergeRequestOptions) error {
	title := opts.Title
	if opts.Draft && !strings.HasPrefix(title, "Draft: ") {
		title = "Draft: " + title
	}
	path := fmt.Sprintf("/projects/%d/merge_requests", projectID)
	return c.do(http.MethodPost, path, map[string]string{
		"source_branch": opts.SourceBranch,
		"target_branch": opts.TargetBranch,
		"title":         title,
		"description":   opts.Description,
	}, nil)
}

// maskToken replaces the bearer token in a URL with a placeholder so logs
// never carry cleartext credentials (spec.md §4.I).
func maskToken(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	return strings.ReplaceAll(rawURL, token, "***")
}

// Repo wraps go-git's working-tree operations in the shape the Task Engine
// needs: clone, branch selection, commit identity, add/commit/push.
type Repo struct {
	dir   string
	token string
	repo  *git.Repository
	wt    *git.Worktree
}

// Clone clones rawURL (without embedded credentials) into dir, injecting
// token as GitLab's oauth2 bearer scheme into the clone URL. go-git records
// that URL, token included, as origin's URL in the clone's .git/config,
// and later Fetch and Push calls authenticate through it; the URL is only
// ever logged with the token masked.
func Clone(dir, rawURL, token string) (*Repo, error) {
	authed, err := withToken(rawURL, token)
	if err != nil {
		return nil, err
	}

	log.WithComponent("vcs").Info().Str("url", maskToken(authed, token)).Msg("cloning repository")

	repo, err := git.PlainClone(dir, false, &git.CloneOptions{URL: authed})
	if err != nil {
		return nil, fmt.Errorf("clone failed: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	return &Repo{dir: dir, token: token, repo: repo, wt: wt}, nil
}

// withToken injects a GitLab oauth2 bearer token into rawURL's userinfo,
// per spec.md §4.I: `oauth2:<token>@host/...`.
func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL: %w", err)
	}
	if token != "" {
		u.User = url.UserPassword("oauth2", token)
	}
	return u.String(), nil
}

// Checkout switches to an existing remote branch, fetching it first and
// creating a local branch tracking it if one does not already exist.
func (r *Repo) Checkout(branch string) error {
	remoteRef := plumbing.NewRemoteReferenceName("origin", branch)
	if err := r.repo.Fetch(&git.FetchOptions{RefSpecs: []config.RefSpec{
		config.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", branch, remoteRef)),
	}}); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("fetch failed: %w", err)
	}

	localRef := plumbing.NewBranchReferenceName(branch)
	if _, err := r.repo.Reference(localRef, true); err != nil {
		remoteHash, rerr := r.repo.Reference(remoteRef, true)
		if rerr != nil {
			return fmt.Errorf("resolving fetched branch failed: %w", rerr)
		}
		if err := r.repo.Storer.SetReference(plumbing.NewHashReference(localRef, remoteHash.Hash())); err != nil {
			return err
		}
	}

	return r.wt.Checkout(&git.CheckoutOptions{Branch: localRef})
}

// RemoteBranchExists reports whether branch exists on origin.
func (r *Repo) RemoteBranchExists(branch string) bool {
	refs, err := r.repo.Remote("origin")
	if err != nil {
		return false
	}
	list, err := refs.List(&git.ListOptions{})
	if err != nil {
		return false
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range list {
		if ref.Name() == want {
			return true
		}
	}
	return false
}

// CheckoutLocalBranch creates and switches to a new local branch off HEAD.
func (r *Repo) CheckoutLocalBranch(name string) error {
	ref := plumbing.NewBranchReferenceName(name)
	return r.wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true})
}

// AddConfig sets a git config key/value scoped to this repository.
func (r *Repo) AddConfig(key, value string) error {
	cfg, err := r.repo.Config()
	if err != nil {
		return err
	}
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 2 {
		cfg.Raw.Section(parts[0]).SetOption(parts[1], value)
	}
	return r.repo.SetConfig(cfg)
}

// Status returns the worktree status.
func (r *Repo) Status() (git.Status, error) {
	return r.wt.Status()
}

// Add stages path ("." for everything).
func (r *Repo) Add(path string) error {
	return r.wt.AddWithOptions(&git.AddOptions{All: path == "." || path == "", Path: path})
}

// Commit records a commit with the configured identity and returns its hash.
func (r *Repo) Commit(message string) (string, error) {
	cfg, err := r.repo.Config()
	if err != nil {
		return "", err
	}
	name := cfg.Raw.Section("user").Option("name")
	email := cfg.Raw.Section("user").Option("email")
	if name == "" {
		name = "agent8ctr"
	}
	if email == "" {
		email = "agent8ctr@users.noreply"
	}

	hash, err := r.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit failed: %w", err)
	}
	return hash.String(), nil
}

// Push pushes the current branch to remote.
func (r *Repo) Push(remote, branch string) error {
	ref := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.repo.Push(&git.PushOptions{RemoteName: remote, RefSpecs: []config.RefSpec{ref}})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}

// Branch creates a new branch reference pointing at HEAD without checking
// it out (the raw `branch(args)` primitive from spec.md §4.I).
func (r *Repo) Branch(name string) error {
	head, err := r.repo.Head()
	if err != nil {
		return err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	return r.repo.Storer.SetReference(ref)
}
