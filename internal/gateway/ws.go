package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolgate/internal/sessions"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is the envelope in both directions.
//
// Client frames: {"type":"stream", ...chatRequest}, {"type":"attach","offset":n},
// {"type":"cancel"}. Server frames: {"type":"event","seq":n,"data":...},
// {"type":"done",...streamEnd} and {"type":"error","error":...}.
type wsFrame struct {
	Type string `json:"type"`

	// client
	chatRequest
	Offset int `json:"offset,omitempty"`

	// server
	Seq   *int       `json:"seq,omitempty"`
	Data  string     `json:"data,omitempty"`
	Error string     `json:"error,omitempty"`
	End   *streamEnd `json:"end,omitempty"`
}

// wsConn serializes writes on one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWS is the WebSocket variant of stream, events and cancel on one
// connection. Closing the socket detaches without cancelling the run.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	chatID := r.PathValue("chatID")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		_ = conn.Close() //nolint:errcheck
	}()

	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	var (
		attached *run
		pumpDone chan struct{}
		pumpStop context.CancelFunc = func() {}
	)
	attach := func(rn *run, offset int) {
		pumpStop()
		if attached != nil {
			<-pumpDone
			if attached != rn && !isClosed(attached.done) {
				attached.session.MarkDisconnected(s.now())
			}
		}
		attached = rn
		pumpCtx, stop := context.WithCancel(ctx)
		pumpStop = stop
		pumpDone = make(chan struct{})
		go func(done chan struct{}) {
			defer close(done)
			s.pumpWS(pumpCtx, c, rn, offset)
		}(pumpDone)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = c.write(wsFrame{Type: "error", Error: "invalid frame"}) //nolint:errcheck
			continue
		}

		switch frame.Type {
		case "stream":
			body := frame.chatRequest
			rn, err := s.startRun(ctx, chatID, userID, &body)
			if err != nil {
				var bad *errBadRequest
				msg := err.Error()
				if !errors.As(err, &bad) && !errors.Is(err, errChatForbidden) {
					s.logger.Error("ws stream failed", "chat_id", chatID, "error", err)
				}
				_ = c.write(wsFrame{Type: "error", Error: msg}) //nolint:errcheck
				continue
			}
			attach(rn, 0)

		case "attach":
			rn := s.ownedRun(chatID, userID)
			if rn == nil {
				_ = c.write(wsFrame{Type: "error", Error: "no active stream for chat"}) //nolint:errcheck
				continue
			}
			attach(rn, frame.Offset)

		case "cancel":
			if _, err := s.sessions.CancelAs(ctx, chatID, userID); errors.Is(err, sessions.ErrNotOwner) {
				_ = c.write(wsFrame{Type: "error", Error: "no active stream for chat"}) //nolint:errcheck
			} else if err != nil {
				_ = c.write(wsFrame{Type: "error", Error: err.Error()}) //nolint:errcheck
			}

		default:
			_ = c.write(wsFrame{Type: "error", Error: "unknown frame type " + frame.Type}) //nolint:errcheck
		}
	}

	cancel()
	pumpStop()
	if attached != nil {
		<-pumpDone
		if !isClosed(attached.done) {
			attached.session.MarkDisconnected(s.now())
		}
	}
}

// pumpWS forwards feed events until the run ends or ctx is cancelled.
func (s *Server) pumpWS(ctx context.Context, c *wsConn, rn *run, offset int) {
	rn.session.Reattach()
	feed := rn.session.Feed()
	for {
		events, closed, changed := feed.Since(offset)
		for _, ev := range events {
			seq := offset
			if err := c.write(wsFrame{Type: "event", Seq: &seq, Data: ev}); err != nil {
				return
			}
			offset++
		}
		if closed {
			end := rn.end()
			_ = c.write(wsFrame{Type: "done", End: &end}) //nolint:errcheck
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
