// Package gateway implements the Session Gateway (spec.md §4.E): a
// websocket-backed duplex connection registry that decodes JSON requests,
// routes them to the filesystem, process, and watcher managers, and fans
// events back out to the connections subscribed to them.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent8hq/agent8ctr/pkg/fsops"
	"github.com/agent8hq/agent8ctr/pkg/log"
	"github.com/agent8hq/agent8ctr/pkg/process"
	"github.com/agent8hq/agent8ctr/pkg/types"
	"github.com/agent8hq/agent8ctr/pkg/watcher"
)

// Operation type strings dispatched by spec.md §6.
const (
	opReadFile    = "readFile"
	opWriteFile   = "writeFile"
	opRm          = "rm"
	opReaddir     = "readdir"
	opMkdir       = "mkdir"
	opStat        = "stat"
	opMount       = "mount"
	opChown       = "chown"
	opSpawn       = "spawn"
	opInput       = "input"
	opResize      = "resize"
	opKill        = "kill"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opWatch       = "watch"
	opWatchPaths  = "watch-paths"
	opStopWatch   = "stop"
	opAuth        = "auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn is one accepted websocket session and the Gateway's bookkeeping
// about what it has subscribed to.
type conn struct {
	id    string
	ws    *websocket.Conn
	write sync.Mutex

	mu        sync.Mutex
	token     string
	procSubs  map[int]bool
	watchSubs map[string]bool
}

// Gateway owns the live connection registry and the managers it dispatches
// requests to.
type Gateway struct {
	fs       *fsops.Ops
	procs    *process.Registry
	watchers *watcher.Registry

	mu    sync.RWMutex
	conns map[string]*conn
}

// New wires a Gateway to its filesystem, process, and watcher managers. The
// Gateway itself implements process.EventSink and watcher.EventSink so
// managers can be constructed with it as their sink.
func New(fs *fsops.Ops) *Gateway {
	g := &Gateway{
		fs:    fs,
		conns: make(map[string]*conn),
	}
	g.procs = process.New(fs.Workspace, g)
	g.watchers = watcher.New(fs.Workspace, g)
	return g
}

// ServeHTTP upgrades the request to a websocket and runs the connection
// until it closes, tearing down every process/watcher subscription and
// killing nothing else owned by the connection (spec.md §4.E teardown).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("gateway").Error().Err(err).Msg("upgrade failed")
		return
	}

	c := &conn{
		id:        uuid.NewString(),
		ws:        ws,
		procSubs:  make(map[int]bool),
		watchSubs: make(map[string]bool),
	}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	logger := log.WithConnectionID(c.id)
	logger.Info().Msg("connection established")

	defer g.teardown(c)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		go g.handle(c, raw)
	}
}

// handle decodes and dispatches one client message. A JSON decode failure
// is dropped silently at the framing layer (spec.md §4.E); it is distinct
// from a parsed request with an invalid operation field, which does get
// an INVALID_OPERATION response from dispatch.
func (g *Gateway) handle(c *conn, raw []byte) {
	var req types.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	resp := g.dispatch(c, req)
	resp.ID = req.ID
	g.reply(c, resp)
}

// dispatch routes a decoded Request to the owning manager. Every branch
// returns a complete Response; nothing here writes to the wire directly.
func (g *Gateway) dispatch(c *conn, req types.Request) types.Response {
	op := req.Operation
	switch op.Type {
	case opAuth:
		c.mu.Lock()
		c.token = op.Token
		c.mu.Unlock()
		return types.Response{Success: true}

	case opReadFile:
		content, err := g.fs.ReadFile(op.Path)
		if err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true, Data: string(content)}

	case opWriteFile:
		if err := g.fs.WriteFile(op.Path, []byte(op.Content)); err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true}

	case opRm:
		opts := fsops.RmOptions{}
		if op.Options != nil {
			opts.Recursive = op.Options.Recursive
			opts.Force = op.Options.Force
		}
		if err := g.fs.Rm(op.Path, opts); err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true}

	case opReaddir:
		opts := fsops.ReaddirOptions{}
		if op.Options != nil {
			opts.WithFileTypes = op.Options.WithFileTypes
		}
		entries, err := g.fs.Readdir(op.Path, opts)
		if err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true, Data: entries}

	case opMkdir:
		opts := fsops.MkdirOptions{}
		if op.Options != nil {
			opts.Recursive = op.Options.Recursive
		}
		if err := g.fs.Mkdir(op.Path, opts); err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true}

	case opStat:
		st, err := g.fs.Stat(op.Path)
		if err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true, Data: st}

	case opMount:
		if err := g.fs.Mount(op.Path, op.Tree); err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true}

	case opChown:
		if err := g.fs.Chown(op.Path, op.Uid, op.Gid); err != nil {
			return errResp(types.CodeFilesystemFailed, err)
		}
		return types.Response{Success: true}

	case opSpawn:
		pid, err := g.procs.Spawn(op.Command, op.Args)
		if err != nil {
			return errResp(types.CodeSpawnError, err)
		}
		return types.Response{Success: true, Data: map[string]int{"pid": pid}}

	case opInput:
		if err := g.procs.Input(op.Pid, op.Data); err != nil {
			return errResp(types.CodeProcessNotFound, err)
		}
		return types.Response{Success: true}

	case opResize:
		if err := g.procs.Resize(op.Pid, op.Cols, op.Rows); err != nil {
			return errResp(types.CodeProcessNotFound, err)
		}
		return types.Response{Success: true}

	case opKill:
		if err := g.procs.Kill(op.Pid); err != nil {
			return errResp(types.CodeProcessNotFound, err)
		}
		return types.Response{Success: true}

	case opSubscribe:
		if !g.procs.Subscribe(op.Pid, c.id) {
			return errResp(types.CodeProcessNotFound, errNotFound{"process"})
		}
		c.mu.Lock()
		c.procSubs[op.Pid] = true
		c.mu.Unlock()
		return types.Response{Success: true}

	case opUnsubscribe:
		g.procs.Unsubscribe(op.Pid, c.id)
		c.mu.Lock()
		delete(c.procSubs, op.Pid)
		c.mu.Unlock()
		return types.Response{Success: true}

	case opWatch, opWatchPaths:
		wopts := watcher.Options{}
		if op.WatchOptions != nil {
			wopts.Patterns = op.WatchOptions.Patterns
			wopts.Include = op.WatchOptions.Include
			wopts.Exclude = op.WatchOptions.Exclude
		}
		id, err := g.watchers.Watch(wopts)
		if err != nil {
			return errResp(types.CodeWatchFailed, err)
		}
		g.watchers.Subscribe(id, c.id)
		c.mu.Lock()
		c.watchSubs[id] = true
		c.mu.Unlock()
		return types.Response{Success: true, Data: map[string]string{"watcherId": id}}

	case opStopWatch:
		g.watchers.Unsubscribe(op.WatcherID, c.id)
		c.mu.Lock()
		delete(c.watchSubs, op.WatcherID)
		c.mu.Unlock()
		return types.Response{Success: true}

	default:
		return errResp(types.CodeInvalidOperation, errNotFound{op.Type})
	}
}

type errNotFound struct{ what string }

func (e errNotFound) Error() string { return e.what + " not found" }

func errResp(code string, err error) types.Response {
	return types.Response{
		Success: false,
		Error:   &types.ErrorDetail{Code: code, Message: err.Error()},
	}
}

func (g *Gateway) reply(c *conn, resp types.Response) {
	c.write.Lock()
	defer c.write.Unlock()
	if err := c.ws.WriteJSON(resp); err != nil {
		log.WithConnectionID(c.id).Error().Err(err).Msg("write failed")
	}
}

// Publish implements process.EventSink and watcher.EventSink: it fans evt
// out to every connection id in connIDs that is still registered.
func (g *Gateway) Publish(connIDs []string, evt types.Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range connIDs {
		c, ok := g.conns[id]
		if !ok {
			continue
		}
		c.write.Lock()
		_ = c.ws.WriteJSON(evt)
		c.write.Unlock()
	}
}

// Broadcast pushes evt to every currently connected client regardless of
// subscription, used for port-open/close notifications (spec.md §4.E).
func (g *Gateway) Broadcast(evt types.Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		c.write.Lock()
		_ = c.ws.WriteJSON(evt)
		c.write.Unlock()
	}
}

// teardown runs once a connection's read loop ends: every process and
// watcher subscription it held is dropped (not killed) and the connection
// is forgotten.
func (g *Gateway) teardown(c *conn) {
	c.mu.Lock()
	pids := make([]int, 0, len(c.procSubs))
	for pid := range c.procSubs {
		pids = append(pids, pid)
	}
	watchIDs := make([]string, 0, len(c.watchSubs))
	for id := range c.watchSubs {
		watchIDs = append(watchIDs, id)
	}
	c.mu.Unlock()

	for _, pid := range pids {
		g.procs.Unsubscribe(pid, c.id)
	}
	for _, id := range watchIDs {
		g.watchers.Unsubscribe(id, c.id)
	}

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()

	log.WithConnectionID(c.id).Info().Msg("connection closed")
	_ = c.ws.Close()
}

// Shutdown kills every live process, stops every watcher, and closes every
// connection. Used on server stop; there is no graceful drain (spec.md §5).
func (g *Gateway) Shutdown() {
	g.procs.Shutdown()
	g.watchers.Shutdown()

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.conns {
		_ = c.ws.Close()
		delete(g.conns, id)
	}
}

// Processes and Watchers expose the underlying managers for callers (the
// Action Runner, the Task Engine) that need to spawn shell commands or
// watch files outside of a client-initiated request.
func (g *Gateway) Processes() *process.Registry { return g.procs }
func (g *Gateway) Watchers() *watcher.Registry   { return g.watchers }
