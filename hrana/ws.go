package hrana

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/buntime/logger"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	// Default request budget per connection when the caller passes none.
	defaultWSRateLimit = 100
	defaultWSRateBurst = 200
)

// WSBridge exposes the pipeline over a WebSocket. Each inbound frame wraps
// one stream request; the bridge runs it as a single-request pipeline and
// answers with the matching request_id. The connection carries the baton
// between frames, so a client can hold a transaction open across them.
type WSBridge struct {
	server   *Server
	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int
	log      *zap.SugaredLogger
}

// NewWSBridge wraps a pipeline server. ratePerSec and burst bound each
// connection's request rate; zero values select the defaults.
func NewWSBridge(server *Server, ratePerSec float64, burst int, log *zap.SugaredLogger) *WSBridge {
	if ratePerSec <= 0 {
		ratePerSec = defaultWSRateLimit
	}
	if burst <= 0 {
		burst = defaultWSRateBurst
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WSBridge{
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers are workers on loopback or tenant apps already
			// admitted by the runtime; origin policy is enforced there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limit: rate.Limit(ratePerSec),
		burst: burst,
		log:   log,
	}
}

// wsFrame is one client request over the bridge.
type wsFrame struct {
	RequestID int64           `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// wsReply answers one frame. Response is a stream result, so protocol
// errors ride the same shape as statement errors.
type wsReply struct {
	RequestID int64        `json:"request_id"`
	Response  StreamResult `json:"response"`
}

// wsConn is the per-connection state: the database binding fixed at
// upgrade time and the baton that floats across frames.
type wsConn struct {
	conn      *websocket.Conn
	adapter   string
	namespace string
	baton     string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// ServeHTTP upgrades the connection and pumps frames until the peer goes
// away. The adapter and namespace come from the upgrade request's headers,
// falling back to query parameters for browser clients that cannot set
// headers on a WebSocket.
func (b *WSBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &wsConn{
		conn:      conn,
		adapter:   headerOrQuery(r, HeaderAdapter, "adapter"),
		namespace: headerOrQuery(r, HeaderNamespace, "namespace"),
		baton:     r.URL.Query().Get("baton"),
		closed:    make(chan struct{}),
	}
	defer c.close()

	conn.SetReadLimit(maxPipelineBytes)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go b.pingLoop(c)

	// The upgrade request's context dies with the hijack; the connection
	// itself is the lifetime from here on.
	ctx := context.Background()
	limiter := rate.NewLimiter(b.limit, b.burst)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Debugw("WebSocket closed unexpectedly", logger.FieldError, err)
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := b.handleFrame(ctx, c, raw); err != nil {
			return
		}
	}
}

// handleFrame decodes one frame, runs it, and writes the reply. Returns an
// error only when the reply cannot be written, which ends the connection.
func (b *WSBridge) handleFrame(ctx context.Context, c *wsConn, raw []byte) error {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return c.write(faultReply(0, CodeInvalidRequest, "invalid frame: "+err.Error()))
	}
	if len(frame.Request) == 0 {
		return c.write(faultReply(frame.RequestID, CodeInvalidRequest, "frame missing request"))
	}
	var req StreamRequest
	if err := json.Unmarshal(frame.Request, &req); err != nil {
		return c.write(faultReply(frame.RequestID, CodeInvalidRequest, "invalid request: "+err.Error()))
	}

	resp := b.server.Pipeline(ctx, c.adapter, c.namespace, &PipelineRequest{
		Baton:    c.baton,
		Requests: []StreamRequest{req},
	})

	c.baton = ""
	if resp.Baton != nil {
		c.baton = *resp.Baton
	}

	reply := wsReply{RequestID: frame.RequestID}
	if len(resp.Results) > 0 {
		reply.Response = resp.Results[0]
	} else {
		reply.Response = errResult(&Error{Code: CodeInternal, Message: "pipeline produced no result"})
	}
	return c.write(reply)
}

func (b *WSBridge) pingLoop(c *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func faultReply(requestID int64, code, message string) wsReply {
	return wsReply{
		RequestID: requestID,
		Response:  errResult(&Error{Code: code, Message: message}),
	}
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}
