// Package task implements the Task Engine (spec.md §4.H): the seven-step
// lifecycle that turns a tracked issue into a streamed LLM response, a
// sequence of file/shell actions, and a git-hosted merge request, plus the
// 30-second remote-issue poller that drives the issue's label state
// machine. Grounded on cuemby-warren's pkg/reconciler ticker-poll loop for
// the poller and on other_examples maruel-caic/backend/internal/task's
// clone->run->push->report runner shape for the lifecycle itself.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agent8hq/agent8ctr/pkg/fsops"
	"github.com/agent8hq/agent8ctr/pkg/log"
	"github.com/agent8hq/agent8ctr/pkg/parser"
	"github.com/agent8hq/agent8ctr/pkg/runner"
	"github.com/agent8hq/agent8ctr/pkg/types"
	"github.com/agent8hq/agent8ctr/pkg/vcs"
)

// UpstreamInactivityBudget bounds the streamed LLM response (spec.md §5).
var UpstreamInactivityBudget = 10 * time.Minute

// PollInterval is how often the tracked issue's labels/comments are
// refetched (spec.md §4.H). Variable so tests can shorten it.
var PollInterval = 30 * time.Second

// CreateRequest is the decoded body of `POST /api/agent8/task`.
type CreateRequest struct {
	ID                   string          `json:"id,omitempty"`
	TargetServerURL      string          `json:"targetServerUrl"`
	Messages             json.RawMessage `json:"messages"`
	PromptID             string          `json:"promptId,omitempty"`
	ContextOptimization  bool            `json:"contextOptimization,omitempty"`
	Files                []FileEntry     `json:"files,omitempty"`
	GitlabInfo           types.GitlabInfo `json:"gitlabInfo"`
	APIKeys              map[string]string `json:"apiKeys,omitempty"`
	MCPContext           json.RawMessage `json:"mcpContext,omitempty"`
}

// Engine owns every in-flight Task and the resources the lifecycle needs.
type Engine struct {
	workspace    string
	stateDir     string
	tracker      vcs.Tracker
	gitlabBranch string
	fileOpts     FileMapOptions
	creds        runner.Credentials
	httpClient   *http.Client

	mu      sync.Mutex
	tasks   map[string]*types.Task
	cancels map[string]context.CancelFunc
}

// New returns an Engine rooted at workspace, persisting per-container
// state under workspace/.agent8/llm-responses.
func New(workspace string, tracker vcs.Tracker, gitlabBranch string, creds runner.Credentials) *Engine {
	return &Engine{
		workspace:    workspace,
		stateDir:     filepath.Join(workspace, ".agent8", "llm-responses"),
		tracker:      tracker,
		gitlabBranch: gitlabBranch,
		fileOpts:     DefaultFileMapOptions(),
		creds:        creds,
		httpClient:   &http.Client{},
		tasks:        make(map[string]*types.Task),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Create validates req, registers a new pending Task, and starts its
// lifecycle and remote-issue poller in the background. userToken is
// carried as the upstream call's task-token cookie (spec.md §4.H step 3).
func (e *Engine) Create(userID, userToken string, req CreateRequest) (*types.Task, error) {
	if req.TargetServerURL == "" {
		return nil, fmt.Errorf("targetServerUrl is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages is required")
	}
	if req.GitlabInfo.ProjectID == 0 || req.GitlabInfo.IssueIID == 0 {
		return nil, fmt.Errorf("gitlabInfo.projectId and gitlabInfo.issueIid are required")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	if err := os.MkdirAll(e.stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare state directory: %w", err)
	}

	t := &types.Task{
		ID:             id,
		UserID:         userID,
		Status:         types.TaskPending,
		CreatedAt:      timeNow(),
		GitlabInfo:     req.GitlabInfo,
		RawContentFile: filepath.Join(e.stateDir, id+".raw"),
		MetadataFile:   filepath.Join(e.stateDir, id+".json"),
	}

	e.mu.Lock()
	e.tasks[id] = t
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()

	go e.pollIssue(ctx, t)
	go e.run(ctx, t, req, userToken)

	return t.Clone(), nil
}

// Get returns the Task scoped to userID, or (nil, false) if it does not
// exist or belongs to someone else (spec.md §6: task status is scoped to
// the requesting user).
func (e *Engine) Get(userID, taskID string) (*types.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok || t.UserID != userID {
		return nil, false
	}
	return t.Clone(), true
}

func timeNow() time.Time { return time.Now() }

// pollIssue is the 30-second remote-issue poller (spec.md §4.H Remote Issue
// Polling): it fetches labels and comments, diffs against the previous
// snapshot, validates label transitions, and stops polling (force-completing
// every active task this Engine owns) once the label reaches DONE.
func (e *Engine) pollIssue(ctx context.Context, t *types.Task) {
	logger := log.WithTaskID(t.ID)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var prev types.IssueStateSnapshot

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		issue, err := e.tracker.GetIssue(t.GitlabInfo.ProjectID, t.GitlabInfo.IssueIID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to poll issue")
			continue
		}
		comments, err := e.tracker.GetIssueComments(t.GitlabInfo.ProjectID, t.GitlabInfo.IssueIID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to poll issue comments")
			continue
		}

		next := types.IssueStateSnapshot{Labels: issue.Labels, CommentCount: len(comments), UpdatedAt: timeNow()}
		if len(comments) > 0 {
			last := comments[len(comments)-1]
			next.LastCommentAt = last.Time
			next.LastComment = last.Body
			if !last.System && last.Body != prev.LastComment {
				logger.Info().Str("comment", last.Body).Msg("new issue comment")
			}
		}

		prevLabel, hadPrev := currentLabel(prev.Labels)
		newLabel, hasNew := currentLabel(next.Labels)
		if hasNew && (!hadPrev || prevLabel != newLabel) {
			if hadPrev && !validTransition(prevLabel, newLabel) {
				logger.Warn().Str("from", string(prevLabel)).Str("to", string(newLabel)).Msg("ignoring invalid label transition")
			} else if newLabel == types.LabelDone {
				logger.Info().Msg("issue marked DONE, force-completing active tasks")
				e.forceCompleteAll("Issue marked DONE")
				return
			}
		}

		prev = next
	}
}

// forceCompleteAll transitions every pending/running task this Engine owns
// to completed with a synthesized forced-completion result.
func (e *Engine) forceCompleteAll(reason string) {
	e.mu.Lock()
	tasks := make([]*types.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		e.forceComplete(t, reason)
	}
}

// run executes the seven-step lifecycle from spec.md §4.H.
func (e *Engine) run(ctx context.Context, t *types.Task, req CreateRequest, userToken string) {
	logger := log.WithTaskID(t.ID)
	e.setStatus(t, types.TaskRunning, 0)

	repo, branch := e.checkout(logger, t)

	e.setProgress(t, 10)

	files := req.Files
	if files == nil {
		built, err := buildFileMap(e.workspace, e.fileOpts)
		if err != nil {
			e.fail(t, fmt.Sprintf("failed to build file map: %v", err))
			return
		}
		files = built
	}

	raw, err := os.Create(t.RawContentFile)
	if err != nil {
		e.fail(t, fmt.Sprintf("failed to open raw response file: %v", err))
		return
	}
	defer raw.Close()

	body, err := e.callUpstream(ctx, req, files, userToken)
	if err != nil {
		e.fail(t, err.Error())
		return
	}
	defer body.Close()
	e.setProgress(t, 30)

	p := parser.New()
	rn := e.newRunner()
	var results []types.ActionResult
	actionsOK := true

	cb := parser.Callbacks{
		OnActionClose: func(a types.Action) {
			res, ok := rn.Run(ctx, []types.Action{a}, runner.Observer{})
			results = append(results, res...)
			if !ok {
				actionsOK = false
			}
			e.setProgress(t, progressFor(len(results)))
		},
	}

	if err := e.streamToParser(ctx, body, raw, t.ID, p, cb); err != nil {
		e.fail(t, err.Error())
		return
	}

	if !actionsOK {
		e.reportActionFailure(logger, t, results)
		return
	}

	commitHash, err := e.commitAndPush(logger, repo, branch, req.GitlabInfo)
	if err != nil {
		e.reportCommitFailure(logger, t, err)
		return
	}

	e.complete(t, types.TaskResult{CommitHash: commitHash, Branch: branch, ActionResults: results})
	e.reportSuccess(logger, t, commitHash, branch)
}

// checkout performs step 1: clone, pick base branch, create a timestamped
// working branch, configure identity, open a draft MR. Any failure is
// logged and swallowed — the task still runs locally against whatever
// workspace already exists (spec.md §4.H step 1).
func (e *Engine) checkout(logger zerolog.Logger, t *types.Task) (*vcs.Repo, string) {
	project, err := e.tracker.GetProject(t.GitlabInfo.ProjectID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch project")
		return nil, ""
	}

	repo, err := vcs.Clone(e.workspace, project.HTTPURL, e.gitlabTokenOf())
	if err != nil {
		logger.Error().Err(err).Msg("clone failed")
		return nil, ""
	}

	base := project.DefaultBranch
	if e.gitlabBranch != "" && repo.RemoteBranchExists(e.gitlabBranch) {
		base = e.gitlabBranch
	}
	if base == "" {
		base = "main"
	}
	if err := repo.Checkout(base); err != nil {
		logger.Error().Err(err).Msg("checkout of base branch failed")
		return nil, ""
	}

	branch := fmt.Sprintf("issue-%d-%d", t.GitlabInfo.IssueIID, timeNow().Unix())
	if err := repo.CheckoutLocalBranch(branch); err != nil {
		logger.Error().Err(err).Msg("failed to create working branch")
		return nil, ""
	}

	_ = repo.AddConfig("user.name", "agent8ctr")
	_ = repo.AddConfig("user.email", "agent8ctr@users.noreply")

	title := fmt.Sprintf("Draft: [Issue #%d] %s", t.GitlabInfo.IssueIID, cleanTitle(t.GitlabInfo.Title))
	desc := fmt.Sprintf("Automated draft for issue #%d.\n\nCloses #%d", t.GitlabInfo.IssueIID, t.GitlabInfo.IssueIID)
	if err := e.tracker.CreateMergeRequest(t.GitlabInfo.ProjectID, vcs.MergeRequestOptions{
		SourceBranch: branch, TargetBranch: base, Title: title, Description: desc, Draft: true,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to open draft merge request")
	}

	return repo, branch
}

func cleanTitle(title string) string {
	return strings.TrimSpace(title)
}

// gitlabTokenOf exposes the token GitLabClient holds, when the configured
// tracker is one; local-git operations need it to authenticate the clone
// URL independently of the REST client.
func (e *Engine) gitlabTokenOf() string {
	if gl, ok := e.tracker.(*vcs.GitLabClient); ok {
		return gl.Token()
	}
	return ""
}

// callUpstream issues step 3's POST and returns the response body for
// streaming, bounded by UpstreamInactivityBudget (spec.md §5).
func (e *Engine) callUpstream(ctx context.Context, req CreateRequest, files []FileEntry, userToken string) (io.ReadCloser, error) {
	payload := map[string]any{
		"messages": json.RawMessage(req.Messages),
		"files":    files,
	}
	if req.PromptID != "" {
		payload["promptId"] = req.PromptID
	}
	if req.ContextOptimization {
		payload["contextOptimization"] = req.ContextOptimization
	}
	if len(req.MCPContext) > 0 {
		payload["mcpContext"] = json.RawMessage(req.MCPContext)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, UpstreamInactivityBudget)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TargetServerURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if userToken != "" {
		httpReq.AddCookie(&http.Cookie{Name: "task_token", Value: userToken})
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return cancelingReadCloser{resp.Body, cancel}, nil
}

type cancelingReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelingReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// streamToParser reads the upstream body in chunks, writing every chunk to
// raw (synced so readers tailing by file size never observe holes) and
// feeding it to the parser, then performs the final reconciling parse over
// the complete raw content once the stream ends (spec.md §4.H step 4-5).
func (e *Engine) streamToParser(ctx context.Context, body io.Reader, raw *os.File, msgID string, p *parser.Parser, cb parser.Callbacks) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := raw.Write(chunk); werr != nil {
				return fmt.Errorf("failed to persist stream chunk: %w", werr)
			}
			if serr := raw.Sync(); serr != nil {
				return fmt.Errorf("failed to sync raw response file: %w", serr)
			}
			p.Feed(msgID, string(chunk), cb)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("stream read error: %w", err)
		}
	}

	// Final reconciling parse: re-read the persisted raw content once more
	// through a fresh session so any tag state partially open at end of
	// stream is resolved deterministically.
	final, err := os.ReadFile(raw.Name())
	if err != nil {
		return fmt.Errorf("failed to reread raw response for finalize: %w", err)
	}
	p.Reset(msgID + "-final")
	p.Feed(msgID+"-final", string(final), cb)
	return nil
}

func (e *Engine) newRunner() *runner.Runner {
	return runner.New(fsops.New(e.workspace), e.creds)
}

// progressFor approximates spec.md §4.H's "30 + (i/N)·50 capped at 95" step,
// where the total action count N is not known in advance since actions
// stream in one at a time: each completed action advances progress by a
// fixed increment instead of a fraction of a known total.
func progressFor(actionsDone int) int {
	p := 30 + actionsDone*5
	if p > 95 {
		p = 95
	}
	return p
}

// commitAndPush is step 6: ensure a .gitignore, stage everything, and
// commit+push only when there is something to commit.
func (e *Engine) commitAndPush(logger zerolog.Logger, repo *vcs.Repo, branch string, info types.GitlabInfo) (string, error) {
	if repo == nil {
		return "", fmt.Errorf("no repository checked out")
	}

	gitignore := filepath.Join(e.workspace, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		_ = os.WriteFile(gitignore, []byte(defaultGitignore), 0o644)
	}

	if err := repo.Add("."); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}

	status, err := repo.Status()
	if err != nil {
		return "", fmt.Errorf("git status failed: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	msg := fmt.Sprintf("%s\n\n%s", info.Title, info.Body)
	hash, err := repo.Commit(strings.TrimSpace(msg))
	if err != nil {
		return "", fmt.Errorf("commit failed: %w", err)
	}

	if err := repo.Push("origin", branch); err != nil {
		return hash, fmt.Errorf("push failed: %w", err)
	}

	return hash, nil
}

const defaultGitignore = "node_modules/\n.agent8/\n*.log\n"

// reportSuccess transitions the issue to CONFIRM NEEDED and posts a
// success comment (spec.md §4.H step 7).
func (e *Engine) reportSuccess(logger zerolog.Logger, t *types.Task, commitHash, branch string) {
	e.transitionLabel(logger, t, types.LabelConfirmNeeded)
	body := fmt.Sprintf("Task completed successfully.\n\nCommit: %s\nBranch: %s", commitHash, branch)
	e.postComment(logger, t, body)
}

// reportActionFailure records failed actions, posts a failure comment
// listing each one, and rejects the issue (spec.md §4.H step 7).
func (e *Engine) reportActionFailure(logger zerolog.Logger, t *types.Task, results []types.ActionResult) {
	var sb strings.Builder
	sb.WriteString("One or more actions failed:\n\n")
	for _, r := range results {
		if r.Success {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s %s: %s\n", r.Action.Type, actionKey(r.Action), r.Error))
	}

	e.fail(t, sb.String())
	e.transitionLabel(logger, t, types.LabelReject)
	e.postComment(logger, t, sb.String())
}

// reportCommitFailure distinguishes commit vs push failure per spec.md
// §4.H step 7 and rejects the issue.
func (e *Engine) reportCommitFailure(logger zerolog.Logger, t *types.Task, err error) {
	kind := "commit"
	if strings.Contains(err.Error(), "push failed") {
		kind = "push"
	}
	msg := fmt.Sprintf("Task failed during %s: %v", kind, err)
	e.fail(t, msg)
	e.transitionLabel(logger, t, types.LabelReject)
	e.postComment(logger, t, msg)
}

func actionKey(a types.Action) string {
	if a.Type == types.ActionTypeShell {
		return a.Command
	}
	return a.FilePath
}

func (e *Engine) transitionLabel(logger zerolog.Logger, t *types.Task, label types.IssueLabel) {
	if err := e.tracker.UpdateIssueLabels(t.GitlabInfo.ProjectID, t.GitlabInfo.IssueIID, []string{string(label)}); err != nil {
		logger.Error().Err(err).Msg("failed to update issue label")
	}
}

func (e *Engine) postComment(logger zerolog.Logger, t *types.Task, body string) {
	if err := e.tracker.AddIssueComment(t.GitlabInfo.ProjectID, t.GitlabInfo.IssueIID, body); err != nil {
		logger.Error().Err(err).Msg("failed to post issue comment")
	}
}

func (e *Engine) setStatus(t *types.Task, status types.TaskStatus, progress int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.Status = status
	t.Progress = progress
}

func (e *Engine) setProgress(t *types.Task, progress int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.Progress = progress
}

func (e *Engine) fail(t *types.Task, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.Error == "" {
		t.Error = message
	}
	t.Status = types.TaskFailed
	now := timeNow()
	t.CompletedAt = &now
	e.persistMetadata(t)
}

func (e *Engine) complete(t *types.Task, result types.TaskResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t.Status = types.TaskCompleted
	t.Progress = 100
	t.Result = &result
	now := timeNow()
	t.CompletedAt = &now
	e.persistMetadata(t)
}

// forceComplete transitions t to completed with a synthesized result when
// the tracked issue's label reaches DONE (spec.md §5 task force-complete).
func (e *Engine) forceComplete(t *types.Task, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.Status != types.TaskPending && t.Status != types.TaskRunning {
		return
	}
	t.Status = types.TaskCompleted
	t.Result = &types.TaskResult{ForcedCompletion: true, Reason: reason}
	now := timeNow()
	t.CompletedAt = &now
	e.persistMetadata(t)
}

// persistMetadata writes the <taskId>.json envelope. Caller must hold e.mu.
func (e *Engine) persistMetadata(t *types.Task) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(t.MetadataFile, data, 0o644)
}

// Cancel cancels a task's context, stopping both its background poller and
// its in-flight lifecycle run.
func (e *Engine) Cancel(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[taskID]; ok {
		cancel()
		delete(e.cancels, taskID)
	}
}

// Shutdown cancels every in-flight task's context, stopping its poller and
// its lifecycle run.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cancel := range e.cancels {
		cancel()
		delete(e.cancels, id)
	}
}
