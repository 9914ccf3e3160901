package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/octatecode/collabd/internal/document"
	"github.com/octatecode/collabd/internal/ot"
	"github.com/octatecode/collabd/internal/protocol"
)

// fakeRelay is a minimal websocket endpoint: it records every inbound
// message and answers join/create with a sync snapshot.
type fakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []protocol.Message
	conn     *websocket.Conn

	syncContent string
	syncVersion int64
}

func newFakeRelay(testContext *testing.T) *fakeRelay {
	testContext.Helper()
	relay := &fakeRelay{syncContent: "", syncVersion: 0}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handle))
	testContext.Cleanup(relay.server.Close)
	return relay
}

func (r *fakeRelay) endpoint() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		message, err := protocol.Parse(frame)
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.received = append(r.received, message)
		r.mu.Unlock()

		if message.Type == protocol.TypeJoinRoom || message.Type == protocol.TypeCreateRoom {
			sync, _ := protocol.New(protocol.TypeSync, "room-1", "", protocol.SyncPayload{
				Content:   r.syncContent,
				Version:   r.syncVersion,
				SessionID: "session-1",
			})
			frame, _ := sync.Encode()
			conn.WriteMessage(websocket.TextMessage, frame)
		}
	}
}

func (r *fakeRelay) push(testContext *testing.T, message protocol.Message) {
	testContext.Helper()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		testContext.Fatalf("no client connection")
	}
	frame, err := message.Encode()
	if err != nil {
		testContext.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		testContext.Fatalf("server write failed: %v", err)
	}
}

func (r *fakeRelay) waitForMessages(testContext *testing.T, count int) []protocol.Message {
	testContext.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		r.mu.Lock()
		if len(r.received) >= count {
			messages := make([]protocol.Message, len(r.received))
			copy(messages, r.received)
			r.mu.Unlock()
			return messages
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			testContext.Fatalf("timed out waiting for %d messages", count)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustSession(testContext *testing.T, cfg Config) *Session {
	testContext.Helper()
	if cfg.Document == nil {
		state, err := document.NewServerState(document.Config{UserID: cfg.UserID})
		if err != nil {
			testContext.Fatalf("failed to create document state: %v", err)
		}
		cfg.Document = state
	}
	session, err := NewSession(cfg)
	if err != nil {
		testContext.Fatalf("failed to create session: %v", err)
	}
	testContext.Cleanup(func() { session.Close() })
	return session
}

func TestConnectAuthenticatesAndJoins(testContext *testing.T) {
	relay := newFakeRelay(testContext)
	relay.syncContent = "shared text"
	relay.syncVersion = 7

	session := mustSession(testContext, Config{
		Endpoint: relay.endpoint(),
		Token:    "tok",
		RoomID:   "room-1",
		UserID:   "alice",
		UserName: "Alice",
	})

	if err := session.Connect(context.Background()); err != nil {
		testContext.Fatalf("connect failed: %v", err)
	}

	messages := relay.waitForMessages(testContext, 2)
	if messages[0].Type != protocol.TypeAuth {
		testContext.Fatalf("expected auth first, got %s", messages[0].Type)
	}
	var auth protocol.AuthPayload
	if err := messages[0].DecodePayload(&auth); err != nil {
		testContext.Fatalf("decode auth failed: %v", err)
	}
	if auth.Token != "tok" || auth.UserID != "alice" {
		testContext.Fatalf("unexpected auth payload: %+v", auth)
	}
	if messages[1].Type != protocol.TypeJoinRoom {
		testContext.Fatalf("expected join-room second, got %s", messages[1].Type)
	}

	deadline := time.Now().Add(3 * time.Second)
	for session.cfg.Document.Content() != "shared text" {
		if time.Now().After(deadline) {
			testContext.Fatalf("document not synced, content %q", session.cfg.Document.Content())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if session.cfg.Document.Version() != 7 {
		testContext.Fatalf("expected synced version 7, got %d", session.cfg.Document.Version())
	}
	if session.SessionID() != "session-1" {
		testContext.Fatalf("expected session id recorded, got %q", session.SessionID())
	}
}

func TestConnectWithoutRoomCreatesOne(testContext *testing.T) {
	relay := newFakeRelay(testContext)

	session := mustSession(testContext, Config{
		Endpoint: relay.endpoint(),
		RoomName: "design doc",
		UserID:   "alice",
		UserName: "Alice",
	})

	if err := session.Connect(context.Background()); err != nil {
		testContext.Fatalf("connect failed: %v", err)
	}

	messages := relay.waitForMessages(testContext, 2)
	if messages[1].Type != protocol.TypeCreateRoom {
		testContext.Fatalf("expected create-room, got %s", messages[1].Type)
	}

	deadline := time.Now().Add(3 * time.Second)
	for session.RoomID() != "room-1" {
		if time.Now().After(deadline) {
			testContext.Fatalf("room id not adopted from sync, got %q", session.RoomID())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoteOperationReachesDocument(testContext *testing.T) {
	relay := newFakeRelay(testContext)

	session := mustSession(testContext, Config{
		Endpoint: relay.endpoint(),
		RoomID:   "room-1",
		UserID:   "alice",
	})
	if err := session.Connect(context.Background()); err != nil {
		testContext.Fatalf("connect failed: %v", err)
	}
	relay.waitForMessages(testContext, 2)

	operation, err := protocol.New(protocol.TypeOperation, "room-1", "bob", ot.Operation{
		UserID: "bob", Type: ot.TypeInsert, Position: 0, Content: "hi", Timestamp: 9, Version: 1,
	})
	if err != nil {
		testContext.Fatalf("build operation failed: %v", err)
	}
	relay.push(testContext, operation)

	deadline := time.Now().Add(3 * time.Second)
	for session.cfg.Document.Content() != "hi" {
		if time.Now().After(deadline) {
			testContext.Fatalf("remote operation not applied, content %q", session.cfg.Document.Content())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendWhileDisconnectedQueuesUntilConnect(testContext *testing.T) {
	relay := newFakeRelay(testContext)

	session := mustSession(testContext, Config{
		Endpoint: relay.endpoint(),
		RoomID:   "room-1",
		UserID:   "alice",
	})

	// Not connected yet: the frame must be queued, not lost.
	if err := session.SendOperation(ot.Operation{
		UserID: "alice", Type: ot.TypeInsert, Position: 0, Content: "x", Timestamp: 1, Version: 1,
	}); err != nil {
		testContext.Fatalf("offline send failed: %v", err)
	}
	if session.queue.Len() != 1 {
		testContext.Fatalf("expected one queued frame, got %d", session.queue.Len())
	}

	if err := session.Connect(context.Background()); err != nil {
		testContext.Fatalf("connect failed: %v", err)
	}

	messages := relay.waitForMessages(testContext, 3)
	sawOperation := false
	for _, message := range messages {
		if message.Type == protocol.TypeOperation {
			sawOperation = true
		}
	}
	if !sawOperation {
		testContext.Fatalf("expected queued operation flushed after connect, got %v", messages)
	}
}

func TestFailedFlushPreservesAllQueuedFrames(testContext *testing.T) {
	relay := newFakeRelay(testContext)

	session := mustSession(testContext, Config{
		Endpoint: relay.endpoint(),
		RoomID:   "room-1",
		UserID:   "alice",
	})

	for i := 0; i < 3; i++ {
		if err := session.SendOperation(ot.Operation{
			UserID: "alice", Type: ot.TypeInsert, Position: i, Content: "x", Timestamp: int64(i + 1), Version: 1,
		}); err != nil {
			testContext.Fatalf("offline send failed: %v", err)
		}
	}
	if session.queue.Len() != 3 {
		testContext.Fatalf("expected three queued frames, got %d", session.queue.Len())
	}

	// Still no connection: the flush fails on the first frame and must put
	// the whole backlog back for the next reconnect.
	session.flushQueue()
	if session.queue.Len() != 3 {
		testContext.Fatalf("expected all 3 frames preserved for the next reconnect, got %d", session.queue.Len())
	}

	if err := session.Connect(context.Background()); err != nil {
		testContext.Fatalf("connect failed: %v", err)
	}

	messages := relay.waitForMessages(testContext, 5)
	var timestamps []int64
	for _, message := range messages {
		if message.Type != protocol.TypeOperation {
			continue
		}
		var op ot.Operation
		if err := message.DecodePayload(&op); err != nil {
			testContext.Fatalf("decode operation failed: %v", err)
		}
		timestamps = append(timestamps, op.Timestamp)
	}
	if len(timestamps) != 3 {
		testContext.Fatalf("expected three flushed operations, got %d", len(timestamps))
	}
	for i, timestamp := range timestamps {
		if timestamp != int64(i+1) {
			testContext.Fatalf("expected FIFO flush order, got timestamps %v", timestamps)
		}
	}
}

func TestConnectExhaustsAndSurfacesTerminalError(testContext *testing.T) {
	session := mustSession(testContext, Config{
		Endpoint:             "ws://127.0.0.1:1/ws",
		RoomID:               "room-1",
		UserID:               "alice",
		BackoffBase:          time.Millisecond,
		BackoffMax:           2 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	statusStream, cancel := session.Status(context.Background())
	defer cancel()

	if err := session.Connect(context.Background()); !errors.Is(err, ErrReconnectExhausted) {
		testContext.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-statusStream:
			if event.Status == StatusError && errors.Is(event.Err, ErrReconnectExhausted) {
				return
			}
		case <-deadline:
			testContext.Fatalf("terminal error never surfaced on status stream")
		}
	}
}

func TestSendAfterCloseFails(testContext *testing.T) {
	relay := newFakeRelay(testContext)
	session := mustSession(testContext, Config{
		Endpoint: relay.endpoint(),
		RoomID:   "room-1",
		UserID:   "alice",
	})
	session.Close()

	err := session.SendOperation(ot.Operation{
		UserID: "alice", Type: ot.TypeInsert, Position: 0, Content: "x", Timestamp: 1, Version: 1,
	})
	if !errors.Is(err, ErrTransportDisconnected) {
		testContext.Fatalf("expected ErrTransportDisconnected, got %v", err)
	}
}
