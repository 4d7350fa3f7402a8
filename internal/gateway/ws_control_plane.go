package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	wsProtocolVersion = 1
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// error codes surfaced in response frames.
const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInternalError  = "INTERNAL_ERROR"
)

type wsControlPlane struct {
	coordinator *Coordinator
	logger      *slog.Logger
	startTime   time.Time
	maxPayload  int64
	tick        time.Duration
	upgrader    websocket.Upgrader
}

func newWSControlPlane(coordinator *Coordinator, maxPayload int64, tick time.Duration, logger *slog.Logger) *wsControlPlane {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsControlPlane{
		coordinator: coordinator,
		logger:      logger,
		startTime:   time.Now(),
		maxPayload:  maxPayload,
		tick:        tick,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int    `json:"minProtocol"`
	MaxProtocol int    `json:"maxProtocol"`
	UserAgent   string `json:"userAgent,omitempty"`
}

type wsChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
	Channel        string `json:"channel,omitempty"`
	To             string `json:"to,omitempty"`
}

type wsChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

type wsChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type wsConn struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	id        string
	connected atomic.Bool
	seq       int64
}

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &wsConn{
		control: h,
		conn:    conn,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
	}
	client.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	go c.forwardEvents()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(c.control.maxPayload)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.decodeFrame(data)
		if err != nil {
			c.sendError("", codeInvalidRequest, err.Error())
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := c.handleConnect(frame); err != nil {
				c.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}

		if err := c.handleRequest(frame); err != nil {
			c.sendError(frame.ID, errorCode(err), err.Error())
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// forwardEvents bridges the broadcaster's subscription to this
// connection's write loop.
func (c *wsConn) forwardEvents() {
	sub := c.control.coordinator.Subscribe()
	defer c.control.coordinator.Unsubscribe(sub)

	for {
		select {
		case <-c.ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if !c.connected.Load() {
				continue
			}
			_ = c.sendEvent("chat", evt) //nolint:errcheck
		}
	}
}

func (c *wsConn) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if frame.Method == "" {
		return nil, errors.New("method is required")
	}
	return &frame, nil
}

func (c *wsConn) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "ping":
		return c.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	case "health":
		return c.sendResponse(frame.ID, true, c.buildHealthSnapshot(), nil)
	case "chat.send":
		return c.handleChatSend(frame)
	case "chat.abort":
		return c.handleChatAbort(frame)
	case "chat.history":
		return c.handleChatHistory(frame)
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, frame.Method)
	}
}

func (c *wsConn) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		return fmt.Errorf("unsupported protocol version")
	}

	if err := c.sendResponse(frame.ID, true, c.buildHelloPayload(), nil); err != nil {
		return err
	}
	c.connected.Store(true)
	go c.startTicking()
	return nil
}

func (c *wsConn) handleChatSend(frame *wsFrame) error {
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	result, err := c.control.coordinator.Send(c.ctx, SendParams{
		SessionKey:     params.SessionKey,
		Message:        params.Message,
		IdempotencyKey: params.IdempotencyKey,
		TimeoutMs:      params.TimeoutMs,
		Channel:        models.ChannelType(params.Channel),
		To:             params.To,
	})
	if err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, result, nil)
}

func (c *wsConn) handleChatAbort(frame *wsFrame) error {
	var params wsChatAbortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	result, err := c.control.coordinator.Abort(params.SessionKey, params.RunID)
	if err != nil {
		return err
	}
	payload := map[string]any{"aborted": result.Aborted}
	if result.RunIDs != nil {
		payload["runIds"] = result.RunIDs
	}
	return c.sendResponse(frame.ID, true, payload, nil)
}

func (c *wsConn) handleChatHistory(frame *wsFrame) error {
	var params wsChatHistoryParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	msgs, err := c.control.coordinator.History(c.ctx, params.SessionKey, params.Limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return c.sendResponse(frame.ID, true, map[string]any{"messages": msgs}, nil)
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, wsErr *wsError) error {
	frame := wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   wsErr,
	}
	return c.enqueue(frame)
}

func (c *wsConn) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	frame := wsFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	}
	return c.enqueue(frame)
}

func (c *wsConn) sendError(id string, code string, message string) {
	_ = c.sendResponse(id, false, nil, &wsError{Code: code, Message: message}) //nolint:errcheck
}

func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if int64(len(data)) > c.control.maxPayload {
		return fmt.Errorf("payload too large")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *wsConn) startTicking() {
	if c.control.tick <= 0 {
		return
	}
	ticker := time.NewTicker(c.control.tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()}) //nolint:errcheck
		}
	}
}

func (c *wsConn) buildHelloPayload() map[string]any {
	return map[string]any{
		"type":     "hello-ok",
		"protocol": wsProtocolVersion,
		"server": map[string]any{
			"id": c.id,
		},
		"features": map[string]any{
			"methods": supportedWSMethods(),
			"events":  supportedWSEvents(),
		},
		"policy": map[string]any{
			"maxPayloadBytes": c.control.maxPayload,
			"tickIntervalMs":  c.control.tick.Milliseconds(),
		},
		"snapshot": c.buildHealthSnapshot(),
	}
}

func (c *wsConn) buildHealthSnapshot() map[string]any {
	return map[string]any{
		"uptimeMs": time.Since(c.control.startTime).Milliseconds(),
		"health": map[string]any{
			"status": "ok",
		},
	}
}

func supportedWSMethods() []string {
	return []string{
		"connect",
		"ping",
		"health",
		"chat.send",
		"chat.abort",
		"chat.history",
	}
}

func supportedWSEvents() []string {
	return []string{
		"tick",
		"chat",
	}
}

func errorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return codeInvalidRequest
	}
	return codeInternalError
}
