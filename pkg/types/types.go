// Package types holds the data model shared across the gateway, resource
// managers, and task engine: the wire envelopes (Request/Response/Event)
// and the task/artifact/action shapes driven by the streaming parser and
// runner. The connection, process and watcher records live in the
// gateway, process and watcher packages that own them.
package types

import "time"

// Request is a single client->server message. ID is caller-chosen and
// echoed verbatim on the matching Response; correlation is by ID only, the
// Gateway makes no ordering guarantee between requests and responses on the
// same connection.
type Request struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
}

// Operation is a tagged union over every request family the Gateway routes.
// Exactly one of the embedded payloads is meaningful, selected by Type.
type Operation struct {
	Type string `json:"type"`

	// Filesystem fields
	Path    string       `json:"path,omitempty"`
	Content string       `json:"content,omitempty"`
	Options *FSOptions   `json:"options,omitempty"`
	Tree    *MountEntry  `json:"tree,omitempty"`

	// Process fields
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Pid     int      `json:"pid,omitempty"`
	Data    string   `json:"data,omitempty"`
	Cols    int      `json:"cols,omitempty"`
	Rows    int      `json:"rows,omitempty"`

	// chown fields
	Uid int `json:"uid,omitempty"`
	Gid int `json:"gid,omitempty"`

	// Watch fields
	WatchOptions *WatchOptions `json:"watchOptions,omitempty"`
	WatcherID    string        `json:"watcherId,omitempty"`

	// Auth fields
	Token string `json:"token,omitempty"`
}

// FSOptions carries the optional flags accepted by filesystem operations.
type FSOptions struct {
	Encoding        string `json:"encoding,omitempty"`
	Recursive       bool   `json:"recursive,omitempty"`
	Force           bool   `json:"force,omitempty"`
	WithFileTypes   bool   `json:"withFileTypes,omitempty"`
}

// WatchOptions covers both the `watch{patterns}` and `watch-paths{include,
// exclude}` request shapes; callers populate whichever field set applies.
type WatchOptions struct {
	Patterns      []string `json:"patterns,omitempty"`
	Persistent    bool     `json:"persistent,omitempty"`
	Include       []string `json:"include,omitempty"`
	Exclude       []string `json:"exclude,omitempty"`
	IncludeContent bool    `json:"includeContent,omitempty"`
}

// MountEntry is the recursive tree shape accepted by the `mount` operation:
// a name maps either to a file with contents or to a directory subtree.
type MountEntry struct {
	Name      string                 `json:"name"`
	IsDir     bool                   `json:"isDirectory"`
	Contents  string                 `json:"contents,omitempty"`
	Directory map[string]*MountEntry `json:"directory,omitempty"`
}

// Response is the single reply every Request produces.
type Response struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the uniform error shape across every request family.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes from spec.md §7.
const (
	CodeInvalidOperation  = "INVALID_OPERATION"
	CodeFilesystemFailed  = "FILESYSTEM_OPERATION_FAILED"
	CodeSpawnError        = "SPAWN_ERROR"
	CodeProcessNotFound   = "PROCESS_NOT_FOUND"
	CodeWatchFailed       = "WATCH_OPERATION_FAILED"
	CodeAuthError         = "auth_error"
)

// EventKind enumerates the asynchronous push notifications the Gateway
// fans out to subscribers; these are never responses to a Request.
type EventKind string

const (
	EventKindProcess    EventKind = "process"
	EventKindFileChange EventKind = "file-change"
	EventKindPort       EventKind = "port"
)

// Event is a server-generated asynchronous push to one or more connections.
type Event struct {
	ID    string    `json:"id"`
	Event EventKind `json:"event"`
	Data  any       `json:"data"`
}

// ProcessEventData is the Data payload for EventKindProcess.
type ProcessEventData struct {
	Pid    int          `json:"pid"`
	Stream ProcessStream `json:"stream"`
	Data   string       `json:"data"`
}

// ProcessStream identifies which pipe a process event chunk came from, or
// that it is the terminal exit notification.
type ProcessStream string

const (
	StreamStdout ProcessStream = "stdout"
	StreamStderr ProcessStream = "stderr"
	StreamExit   ProcessStream = "exit"
)

// FileChangeEventData is the Data payload for EventKindFileChange.
type FileChangeEventData struct {
	WatcherID string        `json:"watcherId"`
	EventType FileEventType `json:"eventType"`
	Filename  string        `json:"filename"`
}

// FileEventType is the normalized shape raw fsnotify ops collapse into
// (spec.md §4.D): add/change -> change, unlink/unlinkDir -> rename.
type FileEventType string

const (
	FileEventChange FileEventType = "change"
	FileEventRename FileEventType = "rename"
)

// PortEventData is the Data payload for EventKindPort, broadcast to every
// connected client regardless of subscription.
type PortEventData struct {
	Port int           `json:"port"`
	Type PortEventType `json:"type"`
	URL  string        `json:"url"`
}

type PortEventType string

const (
	PortOpen  PortEventType = "open"
	PortClose PortEventType = "close"
)

// TaskStatus is the state-machine value of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// GitlabInfo carries the issue-tracker coordinates a task is bound to.
type GitlabInfo struct {
	ProjectID int    `json:"projectId"`
	IssueIID  int    `json:"issueIid"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
}

// TaskResult is the synthesized outcome recorded once a task finishes.
type TaskResult struct {
	CommitHash        string         `json:"commitHash,omitempty"`
	Branch            string         `json:"branch,omitempty"`
	ActionResults     []ActionResult `json:"actionResults,omitempty"`
	ForcedCompletion  bool           `json:"forcedCompletion,omitempty"`
	Reason            string         `json:"reason,omitempty"`
}

// Task is one end-to-end execution unit tied to an external issue-tracker
// work item (spec.md §3).
type Task struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	Status        TaskStatus  `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	Progress      int         `json:"progress"`
	Result        *TaskResult `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	GitlabInfo    GitlabInfo  `json:"gitlabInfo"`
	RawContentFile string     `json:"-"`
	MetadataFile  string      `json:"-"`
}

// Clone returns a value copy safe to hand to a caller outside the Engine's
// lock, so later mutation of the live Task never races a reader.
func (t *Task) Clone() *Task {
	cp := *t
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		cp.CompletedAt = &completedAt
	}
	if t.Result != nil {
		result := *t.Result
		cp.Result = &result
	}
	return &cp
}

// ArtifactType distinguishes a file artifact from a folder artifact.
type ArtifactType string

const (
	ArtifactFile   ArtifactType = "file"
	ArtifactFolder ArtifactType = "folder"
)

// Artifact is a structured block extracted from the upstream stream,
// grouping one or more Actions.
type Artifact struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Type    ArtifactType `json:"type"`
	Content string       `json:"content,omitempty"`
}

// ActionType distinguishes a file-mutating action from a shell command.
type ActionType string

const (
	ActionTypeFile  ActionType = "file"
	ActionTypeShell ActionType = "shell"
)

// FileOperation is the mutation a FileAction performs.
type FileOperation string

const (
	FileOpCreate FileOperation = "create"
	FileOpUpdate FileOperation = "update"
	FileOpDelete FileOperation = "delete"
)

// Action is the tagged variant the Streaming Parser emits and the Action
// Runner executes: either a FileAction or a ShellAction.
type Action struct {
	Type ActionType `json:"type"`

	// Set when Type == ActionTypeFile.
	FilePath  string        `json:"filePath,omitempty"`
	Operation FileOperation `json:"operation,omitempty"`

	// Set when Type == ActionTypeShell.
	Command string `json:"command,omitempty"`

	Content string `json:"content"`
}

// ActionResult is the per-action outcome recorded by the Action Runner.
// Failures do not abort the sequence; overall task success is the AND of
// every ActionResult.Success.
type ActionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Action  Action `json:"action"`
}

// IssueLabel is one of the lifecycle labels on the tracked remote issue.
type IssueLabel string

const (
	LabelTODO         IssueLabel = "TODO"
	LabelWIP          IssueLabel = "WIP"
	LabelConfirmNeeded IssueLabel = "CONFIRM NEEDED"
	LabelDone         IssueLabel = "DONE"
	LabelReject       IssueLabel = "REJECT"
)

// IssueStateSnapshot is compared snapshot-to-snapshot on each poll cycle to
// detect label and comment transitions (spec.md §4.H).
type IssueStateSnapshot struct {
	Labels        []string  `json:"labels"`
	LastCommentAt time.Time `json:"lastCommentAt"`
	CommentCount  int       `json:"commentCount"`
	LastComment   string    `json:"lastComment"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
