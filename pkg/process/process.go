// Package process implements the Process Registry (spec.md §4.C): spawning
// child processes with piped stdio, fanning stdout/stderr/exit out to
// subscribers, input/kill/resize, and the one-shot inactivity-timeout
// runner used by the Action Runner for shell actions.
package process

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/agent8hq/agent8ctr/pkg/types"
)

// Spec describes a process to spawn, shaped after the OCI runtime-spec
// Process struct. Spawn does not use it; it builds its exec.Cmd directly
// from the command and args it is given.
type Spec struct {
	Args []string
	Env  []string
	Cwd  string
}

// toOCI converts a Spec into a specs.Process. Nothing in the module calls
// it, and the registry does not hand a specs.Process to a runtime.
func toOCI(s Spec) specs.Process {
	return specs.Process{Args: s.Args, Env: s.Env, Cwd: s.Cwd}
}

// EventSink receives process events fanned out by the registry.
type EventSink interface {
	Publish(connIDs []string, evt types.Event)
}

// Record is the Child Process Record from spec.md §3: created on spawn,
// destroyed on exit or kill. Spawn and subscription are independent — an
// empty subscriber set discards events but does not kill the process.
type Record struct {
	Pid     int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	cols    int
	rows    int
	mu      sync.Mutex
	subs    map[string]bool
}

// Registry owns every live Record, guarded by a single mutex per spec.md
// §5's "no cross-component lock, one logical map per registry" policy.
type Registry struct {
	workdir string
	sink    EventSink

	mu      sync.RWMutex
	records map[int]*Record
}

// New returns a Registry that spawns children with cwd == workdir.
func New(workdir string, sink EventSink) *Registry {
	return &Registry{
		workdir: workdir,
		sink:    sink,
		records: make(map[int]*Record),
	}
}

// Spawn launches command with args, piping stdio. On success the pid is
// registered with an empty subscriber set; the caller subscribes
// separately via Subscribe.
func (r *Registry) Spawn(command string, args []string) (pid int, err error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = r.workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}

	rec := &Record{
		Pid:   cmd.Process.Pid,
		cmd:   cmd,
		stdin: stdin,
		subs:  make(map[string]bool),
	}

	r.mu.Lock()
	r.records[rec.Pid] = rec
	r.mu.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); r.pump(rec, stdout, types.StreamStdout) }()
	go func() { defer pumps.Done(); r.pump(rec, stderr, types.StreamStderr) }()
	go func() { pumps.Wait(); r.wait(rec) }()

	return rec.Pid, nil
}

// pump streams one pipe's output to rec's current subscribers chunk by
// chunk as it is read, preserving in-order delivery within that single
// stream.
func (r *Registry) pump(rec *Record, pipe io.ReadCloser, stream types.ProcessStream) {
	buf := make([]byte, 4096)
	reader := bufio.NewReader(pipe)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			r.publish(rec, stream, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// wait blocks for the child to exit, publishes the terminal exit event
// strictly after all prior stdout/stderr of this pid (Spawn calls it only
// once both pipe pumps have hit EOF), then removes the record.
func (r *Registry) wait(rec *Record) {
	err := rec.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	r.publish(rec, types.StreamExit, fmt.Sprintf("%d", code))

	r.mu.Lock()
	delete(r.records, rec.Pid)
	r.mu.Unlock()
}

func (r *Registry) publish(rec *Record, stream types.ProcessStream, data string) {
	rec.mu.Lock()
	subs := make([]string, 0, len(rec.subs))
	for id := range rec.subs {
		subs = append(subs, id)
	}
	rec.mu.Unlock()

	if len(subs) == 0 || r.sink == nil {
		return
	}
	r.sink.Publish(subs, types.Event{
		Event: types.EventKindProcess,
		Data: types.ProcessEventData{
			Pid:    rec.Pid,
			Stream: stream,
			Data:   data,
		},
	})
}

// Subscribe adds connID to pid's subscriber set. Returns false if pid is
// not (or no longer) a live record.
func (r *Registry) Subscribe(pid int, connID string) bool {
	rec := r.get(pid)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	rec.subs[connID] = true
	rec.mu.Unlock()
	return true
}

// Unsubscribe removes connID from pid's subscriber set. Per spec.md §4.C,
// an empty subscriber set does not kill the process.
func (r *Registry) Unsubscribe(pid int, connID string) {
	rec := r.get(pid)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	delete(rec.subs, connID)
	rec.mu.Unlock()
}

// UnsubscribeAll removes connID from every record's subscriber set; called
// on connection teardown (spec.md §5).
func (r *Registry) UnsubscribeAll(connID string) {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		delete(rec.subs, connID)
		rec.mu.Unlock()
	}
}

func (r *Registry) get(pid int) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[pid]
}

// Input writes data to pid's stdin.
func (r *Registry) Input(pid int, data string) error {
	rec := r.get(pid)
	if rec == nil {
		return fmt.Errorf("process not found")
	}
	_, err := io.WriteString(rec.stdin, data)
	return err
}

// Kill signals termination and removes the record.
func (r *Registry) Kill(pid int) error {
	rec := r.get(pid)
	if rec == nil {
		return fmt.Errorf("process not found")
	}
	if err := rec.cmd.Process.Kill(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.records, pid)
	r.mu.Unlock()
	return nil
}

// Resize records cols/rows for pid. Per spec.md §4.C and §9 open question
// (b), this has no observable effect on the child without a PTY wrapper;
// it is a recorded no-op pending that future hook.
func (r *Registry) Resize(pid int, cols, rows int) error {
	rec := r.get(pid)
	if rec == nil {
		return fmt.Errorf("process not found")
	}
	rec.mu.Lock()
	rec.cols, rec.rows = cols, rows
	rec.mu.Unlock()
	return nil
}

// Count returns the number of live process records, for metrics collection.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Shutdown kills every live process. Used on server stop (spec.md §4.E).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.records = make(map[int]*Record)
	r.mu.Unlock()

	for _, rec := range recs {
		_ = rec.cmd.Process.Kill()
	}
}
