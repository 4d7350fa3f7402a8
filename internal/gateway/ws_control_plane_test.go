package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/runs"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// testFrame mirrors the wire frame with a raw payload so tests can
// decode it per method.
type testFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *wsError        `json:"error"`
	Seq     *int64          `json:"seq"`
}

func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()

	log := sessions.NewMemoryLog()
	coordinator := NewCoordinator(
		sessions.NewResolver(sessions.NewMemoryStore(), 0, nil),
		runs.NewRegistry(nil),
		events.NewBroadcaster(nil),
		log,
		history.NewBuilder(log, history.DefaultMaxBytes, 0),
		&agent.EchoRunner{},
		nil, nil)
	control := newWSControlPlane(coordinator, 1<<20, 0, nil)

	server := httptest.NewServer(control)
	t.Cleanup(server.Close)
	t.Cleanup(coordinator.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeRequest(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame testFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readResponse skips event frames until the response for id arrives.
func readResponse(t *testing.T, conn *websocket.Conn, id string) testFrame {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame.Type == "res" && frame.ID == id {
			return frame
		}
		if frame.Type != "event" {
			t.Fatalf("unexpected frame while waiting for res %s: %+v", id, frame)
		}
	}
}

func connect(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	writeRequest(t, conn, "c1", "connect", map[string]any{"minProtocol": 1, "maxProtocol": 1})
	res := readResponse(t, conn, "c1")
	if res.OK == nil || !*res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	return res
}

func TestWS_HandshakeRequired(t *testing.T) {
	conn := dialTestServer(t)

	writeRequest(t, conn, "1", "ping", nil)
	res := readResponse(t, conn, "1")
	if res.OK == nil || *res.OK {
		t.Fatal("ping accepted before connect")
	}
	if res.Error == nil || res.Error.Code != "handshake_required" {
		t.Fatalf("error = %+v, want handshake_required", res.Error)
	}
}

func TestWS_ConnectHello(t *testing.T) {
	conn := dialTestServer(t)

	res := connect(t, conn)
	var hello struct {
		Type     string `json:"type"`
		Protocol int    `json:"protocol"`
		Features struct {
			Methods []string `json:"methods"`
		} `json:"features"`
	}
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Type != "hello-ok" || hello.Protocol != wsProtocolVersion {
		t.Fatalf("hello = %+v", hello)
	}
	methods := strings.Join(hello.Features.Methods, ",")
	for _, want := range []string{"chat.send", "chat.abort", "chat.history"} {
		if !strings.Contains(methods, want) {
			t.Fatalf("hello missing method %s: %s", want, methods)
		}
	}
}

func TestWS_ChatSendLifecycle(t *testing.T) {
	conn := dialTestServer(t)
	connect(t, conn)

	writeRequest(t, conn, "2", "chat.send", wsChatSendParams{
		SessionKey:     "main",
		Message:        "hello over the wire",
		IdempotencyKey: "idem-ws-1",
	})

	// The response and the run's events interleave on the wire;
	// collect both until the final event arrives.
	type chatEvent struct {
		RunID string `json:"runId"`
		State string `json:"state"`
		Text  string `json:"text"`
	}
	var send SendResult
	var sawResponse, sawFinal bool
	var stream []chatEvent
	var lastSeq int64
	for !sawResponse || !sawFinal {
		frame := readFrame(t, conn)
		switch {
		case frame.Type == "res" && frame.ID == "2":
			if frame.OK == nil || !*frame.OK {
				t.Fatalf("chat.send failed: %+v", frame.Error)
			}
			if err := json.Unmarshal(frame.Payload, &send); err != nil {
				t.Fatalf("decode send result: %v", err)
			}
			if send.RunID == "" || send.Status != models.RunStarted {
				t.Fatalf("send result = %+v", send)
			}
			sawResponse = true
		case frame.Type == "event" && frame.Event == "chat":
			if frame.Seq == nil || *frame.Seq <= lastSeq {
				t.Fatalf("event seq not increasing: %+v", frame.Seq)
			}
			lastSeq = *frame.Seq
			var evt chatEvent
			if err := json.Unmarshal(frame.Payload, &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			stream = append(stream, evt)
			sawFinal = evt.State == "final"
		}
	}

	if len(stream) < 2 {
		t.Fatalf("expected deltas before the final event, got %d events", len(stream))
	}
	for i, evt := range stream {
		if evt.RunID != send.RunID {
			t.Fatalf("event %d tagged with foreign run %s", i, evt.RunID)
		}
		if i < len(stream)-1 && evt.State != "delta" {
			t.Fatalf("event %d state %q, want delta", i, evt.State)
		}
	}
	if final := stream[len(stream)-1]; final.Text != "hello over the wire" {
		t.Fatalf("final text %q", final.Text)
	}

	// History now shows both sides of the exchange.
	writeRequest(t, conn, "3", "chat.history", wsChatHistoryParams{SessionKey: "main"})
	res := readResponse(t, conn, "3")
	var hist struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := json.Unmarshal(res.Payload, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("history has %d messages, want 2", len(hist.Messages))
	}
	if hist.Messages[0].Role != models.RoleUser || hist.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("history roles wrong: %s then %s", hist.Messages[0].Role, hist.Messages[1].Role)
	}

	// Resending the same idempotency key returns the cached outcome.
	writeRequest(t, conn, "4", "chat.send", wsChatSendParams{
		SessionKey:     "main",
		Message:        "hello over the wire",
		IdempotencyKey: "idem-ws-1",
	})
	res = readResponse(t, conn, "4")
	if err := json.Unmarshal(res.Payload, &send); err != nil {
		t.Fatalf("decode resend result: %v", err)
	}
	if send.Status != models.RunOK {
		t.Fatalf("resend status %s, want cached ok", send.Status)
	}
}

func TestWS_ChatAbortUnknownRunIsBenign(t *testing.T) {
	conn := dialTestServer(t)
	connect(t, conn)

	writeRequest(t, conn, "2", "chat.abort", wsChatAbortParams{
		SessionKey: "main",
		RunID:      "no-such-run",
	})
	res := readResponse(t, conn, "2")
	if res.OK == nil || !*res.OK {
		t.Fatalf("abort failed: %+v", res.Error)
	}
	var payload struct {
		Aborted bool `json:"aborted"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("decode abort payload: %v", err)
	}
	if payload.Aborted {
		t.Fatal("abort of unknown run reported aborted=true")
	}
}

func TestWS_InvalidRequestsSurfaceErrorCode(t *testing.T) {
	conn := dialTestServer(t)
	connect(t, conn)

	writeRequest(t, conn, "2", "no.such.method", nil)
	res := readResponse(t, conn, "2")
	if res.OK == nil || *res.OK {
		t.Fatal("unknown method accepted")
	}
	if res.Error == nil || res.Error.Code != codeInvalidRequest {
		t.Fatalf("error = %+v, want %s", res.Error, codeInvalidRequest)
	}

	// Missing required send parameters map to the same code.
	writeRequest(t, conn, "3", "chat.send", wsChatSendParams{Message: "hi"})
	res = readResponse(t, conn, "3")
	if res.OK == nil || *res.OK {
		t.Fatal("send without sessionKey accepted")
	}
	if res.Error == nil || res.Error.Code != codeInvalidRequest {
		t.Fatalf("error = %+v, want %s", res.Error, codeInvalidRequest)
	}
}
