// Package daemon talks to the local execution daemon over WebSocket.
// The daemon performs the actual publishing; this client submits
// approved work, relays cancellations, and streams progress events back
// into the queue engine.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/jbracken/permasync/internal/queue"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin    = 1 * time.Second
	reconnectMax    = 30 * time.Second
	responseTimeout = 15 * time.Second

	readLimit = 1 * 1024 * 1024
)

var errResponseTimeout = fmt.Errorf("timed out waiting for daemon response")

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real daemon. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// daemonOp is a request submitted to the event loop by the engine.
type daemonOp struct {
	msg    any
	result chan error
}

// Client manages the WebSocket connection to the execution daemon.
//
// Architecture mirrors the queue engine: a reader goroutine feeds
// inboundCh with raw frames, and a single event loop goroutine (Listen)
// processes inbound messages, engine operations (opCh), and heartbeat
// ticks. All writes happen from the event loop.
type Client struct {
	logger *slog.Logger

	addr   string
	device string

	// sink receives decoded progress events. Called from the event loop.
	sink func(queue.ProgressEvent)

	// opCh receives submit and cancel operations from the engine.
	opCh chan daemonOp

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connMu guards conn and connCancel. The event loop owns the
	// connection while it runs, but Close can arrive from any goroutine.
	connMu     sync.Mutex
	conn       wsConn
	connCancel context.CancelFunc

	connected   bool
	connectedMu sync.RWMutex
}

// ClientConfig holds the parameters needed to connect to the daemon.
type ClientConfig struct {
	Addr   string
	Device string

	// OnEvent receives progress events from the daemon's stream.
	OnEvent func(queue.ProgressEvent)
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		logger: logger,
		addr:   cfg.Addr,
		device: cfg.Device,
		sink:   cfg.OnEvent,
		opCh:   make(chan daemonOp, 16),
	}
}

type helloMessage struct {
	Op     string `json:"op"`
	Device string `json:"device"`
}

type helloResponse struct {
	Op  string `json:"op"`
	Res string `json:"res"`
}

type submitMessage struct {
	Op           string `json:"op"`
	ID           string `json:"id"`
	Path         string `json:"path"`
	PreviousPath string `json:"previous_path,omitempty"`
	Name         string `json:"name"`
	Operation    string `json:"operation"`
	Size         int64  `json:"size"`
	Rail         string `json:"rail"`
}

type cancelMessage struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

type progressMessage struct {
	Op       string `json:"op"`
	ID       string `json:"id"`
	Progress int    `json:"progress"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type ackMessage struct {
	Op      string `json:"op"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// Connect dials the daemon, sends hello, and waits for confirmation.
func (c *Client) Connect(ctx context.Context) error {
	c.cancelReader()

	url := "ws://" + c.addr + "/ws"
	c.logger.Debug("connecting to daemon", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing daemon: %w", err)
	}

	conn.SetReadLimit(readLimit)
	c.setConn(conn)
	c.touchLastMessage()

	if err := c.writeJSON(ctx, helloMessage{Op: "hello", Device: c.device}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("sending hello: %w", err)
	}

	var resp helloResponse
	if err := c.readJSON(ctx, &resp); err != nil {
		conn.Close(websocket.StatusInternalError, "hello read failed")
		return fmt.Errorf("reading hello response: %w", err)
	}

	if resp.Res != "ok" {
		conn.Close(websocket.StatusNormalClosure, "hello rejected")
		return fmt.Errorf("daemon rejected hello: %s", resp.Res)
	}

	c.logger.Info("daemon connected", slog.String("addr", c.addr))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The goroutine captures ch by value so a stale reader
// from a previous connection cannot send into the new channel.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	c.inboundCh = ch
	conn := c.getConn()

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. Returns only on
// context cancellation.
func (c *Client) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	c.setConnCancel(connCancel)
	c.startReader(connCtx)
	c.setConnected(true)

	for {
		err := c.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		c.setConnected(false)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("daemon connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			c.logger.Warn("daemon reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		c.setConnCancel(connCancel)
		c.startReader(connCtx)
		c.setConnected(true)

		backoff = reconnectMin
		c.logger.Info("daemon reconnected")
	}
}

// eventLoop is the single event loop for one connection. All writes
// happen here. Returns on read error or context cancellation.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			c.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame from daemon", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleInbound(msg.data)

		case op := <-c.opCh:
			if err := c.handleOp(ctx, op); err != nil {
				return err
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("daemon connection timed out, closing")
				c.getConn().Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound processes a single inbound text message from the daemon.
func (c *Client) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":

	case "progress":
		c.dispatchProgress(data)

	default:
		// Ack outside of a request/response exchange.
		c.logger.Debug("unexpected daemon message", slog.String("op", op))
	}
}

// dispatchProgress decodes one progress frame and hands it to the sink.
// Malformed frames are logged and dropped, not fatal.
func (c *Client) dispatchProgress(data []byte) {
	var msg progressMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("failed to decode progress event", slog.String("error", err.Error()))
		return
	}

	id, err := uuid.Parse(msg.ID)
	if err != nil {
		c.logger.Warn("progress event with invalid id", slog.String("id", msg.ID))
		return
	}

	status, ok := queue.ParseExecStatus(msg.Status)
	if !ok {
		c.logger.Warn("progress event with unknown status",
			slog.String("id", msg.ID),
			slog.String("status", msg.Status),
		)

		return
	}

	if c.sink != nil {
		c.sink(queue.ProgressEvent{
			ID:       id,
			Progress: msg.Progress,
			Status:   status,
			Error:    msg.Error,
		})
	}
}

// handleOp writes one engine request and waits for its ack. The op
// always gets its result; a connection-level error is also returned to
// trigger reconnect.
func (c *Client) handleOp(ctx context.Context, op daemonOp) error {
	err := c.executeOp(ctx, op.msg)
	op.result <- err

	if err != nil && !isOperationError(err) {
		return err
	}

	return nil
}

func (c *Client) executeOp(ctx context.Context, msg any) error {
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	raw, err := c.readResponse(ctx)
	if err != nil {
		return err
	}

	var ack ackMessage
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decoding ack: %w", err)
	}

	if ack.Op == "error" {
		return fmt.Errorf("daemon refused request: %s", ack.Message)
	}

	return nil
}

// readResponse reads from inboundCh until a non-progress, non-pong text
// message arrives. Progress events that arrive while waiting are
// dispatched inline so the engine keeps seeing them mid-request.
func (c *Client) readResponse(ctx context.Context) (json.RawMessage, error) {
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return nil, fmt.Errorf("reading response: %w", msg.err)
			}
			c.touchLastMessage()

			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}
			timeout.Reset(responseTimeout)

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame waiting for ack", slog.Int("bytes", len(msg.data)))
				continue
			}

			op := gjson.GetBytes(msg.data, "op").Str

			if op == "pong" {
				continue
			}

			if op == "progress" {
				c.dispatchProgress(msg.data)
				continue
			}

			return json.RawMessage(msg.data), nil

		case <-timeout.C:
			return nil, errResponseTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Submit hands one approved item to the daemon and waits for the ack.
// Called from the engine goroutine; the actual write happens on the
// event loop.
func (c *Client) Submit(ctx context.Context, sub queue.Submission) error {
	msg := submitMessage{
		Op:           "submit",
		ID:           sub.ID.String(),
		Path:         sub.LocalPath,
		PreviousPath: sub.PreviousPath,
		Name:         sub.FileName,
		Operation:    sub.Operation.String(),
		Size:         sub.Size,
		Rail:         sub.Rail.String(),
	}

	return c.request(ctx, msg)
}

// Cancel tells the daemon to stop an in-flight item. Best-effort on the
// engine side; an error here only means the daemon could not be told.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) error {
	return c.request(ctx, cancelMessage{Op: "cancel", ID: id.String()})
}

func (c *Client) request(ctx context.Context, msg any) error {
	if !c.Connected() {
		return fmt.Errorf("daemon not connected")
	}

	op := daemonOp{msg: msg, result: make(chan error, 1)}

	select {
	case c.opCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the daemon connection is live.
func (c *Client) Connected() bool {
	c.connectedMu.RLock()
	v := c.connected
	c.connectedMu.RUnlock()

	return v
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// isOperationError reports errors scoped to a single request rather
// than the connection.
func isOperationError(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "daemon refused request") ||
		strings.Contains(msg, "decoding ack")
}

// Close cleanly shuts down the connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	cancel := c.connCancel
	conn := c.conn
	c.connMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (c *Client) setConn(conn wsConn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) getConn() wsConn {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.conn
}

func (c *Client) setConnCancel(cancel context.CancelFunc) {
	c.connMu.Lock()
	c.connCancel = cancel
	c.connMu.Unlock()
}

// cancelReader stops the reader goroutine left over from a previous
// connection, if any.
func (c *Client) cancelReader() {
	c.connMu.Lock()
	cancel := c.connCancel
	c.connCancel = nil
	c.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Only called from
// the event loop or during Connect.
func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.getConn().Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during Connect.
func (c *Client) readJSON(ctx context.Context, v any) error {
	_, data, err := c.getConn().Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	c.touchLastMessage()

	return json.Unmarshal(data, v)
}
