package task

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent8hq/agent8ctr/pkg/runner"
	"github.com/agent8hq/agent8ctr/pkg/types"
	"github.com/agent8hq/agent8ctr/pkg/vcs"
)

// fakeTracker is an in-memory vcs.Tracker double recording every call the
// lifecycle makes, standing in for the real GitLab REST client.
type fakeTracker struct {
	project       *vcs.Project
	issueLabels   []string
	updatedLabels [][]string
	comments      []string
	mrs           []vcs.MergeRequestOptions
}

func (f *fakeTracker) GetProject(id int) (*vcs.Project, error) { return f.project, nil }

func (f *fakeTracker) GetIssue(projectID, iid int) (*vcs.Issue, error) {
	return &vcs.Issue{IID: iid, Title: "fix the thing", Labels: f.issueLabels}, nil
}

func (f *fakeTracker) GetIssueComments(projectID, iid int) ([]vcs.Comment, error) { return nil, nil }

func (f *fakeTracker) UpdateIssueLabels(projectID, iid int, labels []string) error {
	f.updatedLabels = append(f.updatedLabels, labels)
	return nil
}

func (f *fakeTracker) AddIssueComment(projectID, iid int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeTracker) CreateMergeRequest(projectID int, opts vcs.MergeRequestOptions) error {
	f.mrs = append(f.mrs, opts)
	return nil
}

// newBareRemote sets up a local bare repo with a seeded "main" branch,
// standing in for the GitLab remote (same technique as vcs_test.go).
func newBareRemote(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	bareDir := t.TempDir()
	require.NoError(t, exec.Command("git", "init", "--bare", bareDir).Run())

	seedDir := t.TempDir()
	require.NoError(t, exec.Command("git", "clone", bareDir, seedDir).Run())
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = seedDir
		require.NoError(t, cmd.Run())
	}
	run("config", "user.email", "seed@example.com")
	run("config", "user.name", "seed")
	run("commit", "--allow-empty", "-m", "init")
	run("push", "origin", "HEAD:refs/heads/main")

	return bareDir
}

// frame encodes s as a single N=0 text frame, the upstream wire format from
// spec.md §4.F.
func frame(s string) string {
	b, _ := json.Marshal(s)
	return "0:" + string(b) + "\n"
}

func TestEngineHappyPathCreatesFileCommitsAndReportsSuccess(t *testing.T) {
	bareDir := newBareRemote(t)
	workspace := t.TempDir()

	tracker := &fakeTracker{
		project:     &vcs.Project{ID: 42, DefaultBranch: "main", HTTPURL: bareDir},
		issueLabels: []string{"WIP"},
	}

	streamed := frame(`<boltArtifact id="a1" title="add notes"><boltAction type="file" filePath="NOTES.md">hello from the task engine</boltAction></boltArtifact>`)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["messages"])
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, streamed)
	}))
	defer upstream.Close()

	origPoll := PollInterval
	PollInterval = 10 * time.Millisecond
	defer func() { PollInterval = origPoll }()

	engine := New(workspace, tracker, "develop", runner.Credentials{})

	req := CreateRequest{
		TargetServerURL: upstream.URL,
		Messages:        json.RawMessage(`[{"role":"user","content":"do it"}]`),
		GitlabInfo:      types.GitlabInfo{ProjectID: 42, IssueIID: 7, Title: "fix the thing"},
	}

	created, err := engine.Create("user-1", "tok-1", req)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	var final *types.Task
	for i := 0; i < 100; i++ {
		tsk, ok := engine.Get("user-1", created.ID)
		require.True(t, ok)
		if tsk.Status == types.TaskCompleted || tsk.Status == types.TaskFailed {
			final = tsk
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.NotNil(t, final, "task did not reach a terminal state")
	assert.Equal(t, types.TaskCompleted, final.Status, "task failed: %s", final.Error)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Result)
	assert.NotEmpty(t, final.Result.CommitHash)

	notesPath := filepath.Join(workspace, "NOTES.md")
	content, err := os.ReadFile(notesPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello from the task engine")

	require.NotEmpty(t, tracker.mrs)
	assert.Contains(t, tracker.mrs[0].Title, "Draft: [Issue #7]")
	require.NotEmpty(t, tracker.updatedLabels)
	assert.Equal(t, []string{string(types.LabelConfirmNeeded)}, tracker.updatedLabels[len(tracker.updatedLabels)-1])
	require.NotEmpty(t, tracker.comments)
}

func TestCreateRejectsMissingGitlabInfo(t *testing.T) {
	engine := New(t.TempDir(), &fakeTracker{}, "develop", runner.Credentials{})
	_, err := engine.Create("user-1", "tok", CreateRequest{
		TargetServerURL: "http://example.com",
		Messages:        json.RawMessage(`[{"role":"user","content":"hi"}]`),
	})
	assert.Error(t, err)
}

func TestGetScopesTaskToOwningUser(t *testing.T) {
	engine := New(t.TempDir(), &fakeTracker{}, "develop", runner.Credentials{})
	_, err := engine.Create("user-1", "tok", CreateRequest{})
	assert.Error(t, err) // missing required fields, nothing to fetch
	_, ok := engine.Get("someone-else", "nonexistent")
	assert.False(t, ok)

	engine.mu.Lock()
	engine.tasks["t1"] = &types.Task{ID: "t1", UserID: "user-1"}
	engine.mu.Unlock()
	_, ok = engine.Get("someone-else", "t1")
	assert.False(t, ok, "another user must not see user-1's task")
	got, ok := engine.Get("user-1", "t1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.ID)
}
