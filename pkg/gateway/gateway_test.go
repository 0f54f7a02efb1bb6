package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent8hq/agent8ctr/pkg/fsops"
	"github.com/agent8hq/agent8ctr/pkg/types"
)

func newTestServer(t *testing.T) (*Gateway, *httptest.Server, *websocket.Conn) {
	t.Helper()
	fs := fsops.New(t.TempDir())
	g := New(fs)

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	return g, srv, ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, req types.Request) types.Response {
	t.Helper()
	require.NoError(t, ws.WriteJSON(req))
	var resp types.Response
	require.NoError(t, ws.ReadJSON(&resp))
	return resp
}

func TestWriteThenReadFileRoundTrip(t *testing.T) {
	_, _, ws := newTestServer(t)

	resp := roundTrip(t, ws, types.Request{ID: "1", Operation: types.Operation{
		Type: "writeFile", Path: "hello.txt", Content: "hi there",
	}})
	require.True(t, resp.Success)
	assert.Equal(t, "1", resp.ID)

	resp = roundTrip(t, ws, types.Request{ID: "2", Operation: types.Operation{
		Type: "readFile", Path: "hello.txt",
	}})
	require.True(t, resp.Success)
	assert.Equal(t, "hi there", resp.Data)
}

func TestUnknownOperationReturnsInvalidOperation(t *testing.T) {
	_, _, ws := newTestServer(t)

	resp := roundTrip(t, ws, types.Request{ID: "1", Operation: types.Operation{Type: "bogus"}})
	require.False(t, resp.Success)
	assert.Equal(t, types.CodeInvalidOperation, resp.Error.Code)
}

// TestSpawnSubscribeReceivesProcessEvents mirrors spec.md §8's
// gateway-level echo scenario over the wire, not just the registry.
func TestSpawnSubscribeReceivesProcessEvents(t *testing.T) {
	_, _, ws := newTestServer(t)

	resp := roundTrip(t, ws, types.Request{ID: "1", Operation: types.Operation{
		Type: "spawn", Command: "/bin/sh", Args: []string{"-c", "echo hi"},
	}})
	require.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	pid := int(data["pid"].(float64))

	resp = roundTrip(t, ws, types.Request{ID: "2", Operation: types.Operation{
		Type: "subscribe", Pid: pid,
	}})
	require.True(t, resp.Success)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawExit := false
	for i := 0; i < 10 && !sawExit; i++ {
		var evt types.Event
		if err := ws.ReadJSON(&evt); err != nil {
			break
		}
		if evt.Event == types.EventKindProcess {
			sawExit = true
		}
	}
	assert.True(t, sawExit, "expected a process event to be delivered to the subscriber")
}

// TestMalformedMessageDroppedSilently covers spec.md §4.E: a JSON decode
// failure is dropped at the framing layer, unlike a parsed request with an
// invalid operation field (TestUnknownOperationReturnsInvalidOperation),
// which does get an INVALID_OPERATION response.
func TestMalformedMessageDroppedSilently(t *testing.T) {
	_, _, ws := newTestServer(t)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	require.NoError(t, ws.WriteJSON(types.Request{ID: "1", Operation: types.Operation{
		Type: "writeFile", Path: "hello.txt", Content: "hi there",
	}}))

	var resp types.Response
	require.NoError(t, ws.ReadJSON(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "1", resp.ID)
}
