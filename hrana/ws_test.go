package hrana

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type wsTestReply struct {
	RequestID int64 `json:"request_id"`
	Response  struct {
		Type  string `json:"type"`
		Error *Error `json:"error"`
	} `json:"response"`
}

func dialBridge(t *testing.T, s *Server, query string) *websocket.Conn {
	t.Helper()
	bridge := NewWSBridge(s, 0, 0, zap.NewNop().Sugar())
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	header := http.Header{}
	header.Set(HeaderAdapter, "sqlite")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, frame string) wsTestReply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply wsTestReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func TestWSBridgeCarriesBaton(t *testing.T) {
	s, provider := newTestServer(t)
	conn := dialBridge(t, s, "?namespace=tenant-a")

	reply := exchange(t, conn, `{"request_id":1,"request":{"type":"execute","stmt":{"sql":"BEGIN"}}}`)
	assert.Equal(t, int64(1), reply.RequestID)
	assert.Equal(t, "ok", reply.Response.Type)

	// store_sql requires a session; it succeeding proves the baton from
	// the first exchange rode along on the connection.
	reply = exchange(t, conn, `{"request_id":2,"request":{"type":"store_sql","sql_id":1,"sql":"SELECT 1"}}`)
	assert.Equal(t, int64(2), reply.RequestID)
	assert.Equal(t, "ok", reply.Response.Type)

	reply = exchange(t, conn, `{"request_id":3,"request":{"type":"close"}}`)
	assert.Equal(t, "ok", reply.Response.Type)

	// After close the connection has no baton, so store_sql is refused.
	reply = exchange(t, conn, `{"request_id":4,"request":{"type":"store_sql","sql_id":2,"sql":"SELECT 2"}}`)
	assert.Equal(t, int64(4), reply.RequestID)
	require.Equal(t, "error", reply.Response.Type)
	assert.Equal(t, CodeNoSession, reply.Response.Error.Code)

	assert.Contains(t, provider.requests, "sqlite/tenant-a",
		"upgrade request's adapter header and namespace query bind the connection")
}

func TestWSBridgeMalformedFrame(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialBridge(t, s, "")

	reply := exchange(t, conn, `this is not json`)
	assert.Equal(t, int64(0), reply.RequestID, "parse failures synthesize request_id 0")
	require.Equal(t, "error", reply.Response.Type)
	assert.Equal(t, CodeInvalidRequest, reply.Response.Error.Code)

	// The connection survives a bad frame.
	reply = exchange(t, conn, `{"request_id":7,"request":{"type":"get_autocommit"}}`)
	assert.Equal(t, int64(7), reply.RequestID)
	assert.Equal(t, "ok", reply.Response.Type)
}

func TestWSBridgeFrameMissingRequest(t *testing.T) {
	s, _ := newTestServer(t)
	conn := dialBridge(t, s, "")

	reply := exchange(t, conn, `{"request_id":5}`)
	assert.Equal(t, int64(5), reply.RequestID)
	require.Equal(t, "error", reply.Response.Type)
	assert.Equal(t, CodeInvalidRequest, reply.Response.Error.Code)
}
