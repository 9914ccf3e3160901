package document

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/octatecode/collabd/internal/ot"
)

func mustServerState(testContext *testing.T, userID string) *ServerState {
	testContext.Helper()
	state, err := NewServerState(Config{
		UserID: userID,
		Clock:  fixedClock(),
	})
	if err != nil {
		testContext.Fatalf("failed to create server state: %v", err)
	}
	return state
}

func mustPeerState(testContext *testing.T, userID string) *PeerState {
	testContext.Helper()
	state, err := NewPeerState(Config{
		UserID: userID,
		Clock:  fixedClock(),
	})
	if err != nil {
		testContext.Fatalf("failed to create peer state: %v", err)
	}
	return state
}

// fixedClock advances one millisecond per call so timestamps are distinct
// and deterministic.
func fixedClock() func() time.Time {
	base := time.Unix(1700000000, 0).UTC()
	calls := 0
	return func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Millisecond)
	}
}

func TestNewStateRequiresUserID(testContext *testing.T) {
	if _, err := NewServerState(Config{}); err == nil {
		testContext.Fatalf("expected error for missing user id")
	}
	if _, err := NewPeerState(Config{}); err == nil {
		testContext.Fatalf("expected error for missing user id")
	}
}

func TestApplyLocalSplicesAndTracksPending(testContext *testing.T) {
	state := mustServerState(testContext, "alice")

	op, err := state.ApplyLocal(ot.TypeInsert, 0, "hello", 0)
	if err != nil {
		testContext.Fatalf("apply local failed: %v", err)
	}
	if state.Content() != "hello" {
		testContext.Fatalf("expected content hello, got %q", state.Content())
	}
	if len(state.Pending()) != 1 {
		testContext.Fatalf("expected one pending operation, got %d", len(state.Pending()))
	}
	if op.Version != 1 {
		testContext.Fatalf("expected optimistic version 1, got %d", op.Version)
	}

	state.Acknowledge(op)
	if len(state.Pending()) != 0 {
		testContext.Fatalf("expected pending cleared after acknowledgment")
	}
	if state.Version() != 1 {
		testContext.Fatalf("expected version advanced by acknowledgment, got %d", state.Version())
	}
}

func TestApplyRemoteRejectsStaleVersion(testContext *testing.T) {
	state := mustServerState(testContext, "alice")
	state.Reset("base", 5)

	stale := ot.Operation{UserID: "bob", Type: ot.TypeInsert, Position: 0, Content: "x", Timestamp: 1, Version: 5}
	if err := state.ApplyRemote(stale); !errors.Is(err, ErrStaleOperation) {
		testContext.Fatalf("expected ErrStaleOperation, got %v", err)
	}
	if state.Content() != "base" {
		testContext.Fatalf("stale operation must not change content, got %q", state.Content())
	}
}

func TestApplyRemoteTransformsAgainstPending(testContext *testing.T) {
	alice := mustServerState(testContext, "alice")
	bob := mustServerState(testContext, "bob")

	aliceOp, err := alice.ApplyLocal(ot.TypeInsert, 0, "X", 0)
	if err != nil {
		testContext.Fatalf("alice local apply failed: %v", err)
	}
	bobOp, err := bob.ApplyLocal(ot.TypeInsert, 0, "Y", 0)
	if err != nil {
		testContext.Fatalf("bob local apply failed: %v", err)
	}

	if err := alice.ApplyRemote(bobOp); err != nil {
		testContext.Fatalf("alice remote apply failed: %v", err)
	}
	if err := bob.ApplyRemote(aliceOp); err != nil {
		testContext.Fatalf("bob remote apply failed: %v", err)
	}

	if alice.Content() != "XY" {
		testContext.Fatalf("alice expected XY, got %q", alice.Content())
	}
	if bob.Content() != "XY" {
		testContext.Fatalf("bob expected XY, got %q", bob.Content())
	}
}

func TestAcknowledgeMatchesByOriginNotContent(testContext *testing.T) {
	state := mustServerState(testContext, "alice")

	op, err := state.ApplyLocal(ot.TypeInsert, 0, "abc", 0)
	if err != nil {
		testContext.Fatalf("apply local failed: %v", err)
	}

	// The authority echoes a transformed copy: same origin, shifted fields.
	echoed := op
	echoed.Position = 7
	echoed.Content = ""
	echoed.Version = 9

	state.Acknowledge(echoed)
	if len(state.Pending()) != 0 {
		testContext.Fatalf("expected acknowledgment to match by (userId, timestamp)")
	}
	if state.Version() != 9 {
		testContext.Fatalf("expected version 9 from acknowledgment, got %d", state.Version())
	}
}

func TestResetDiscardsPendingAndHistory(testContext *testing.T) {
	state := mustServerState(testContext, "alice")
	if _, err := state.ApplyLocal(ot.TypeInsert, 0, "local", 0); err != nil {
		testContext.Fatalf("apply local failed: %v", err)
	}

	state.Reset("authoritative", 42)
	if state.Content() != "authoritative" {
		testContext.Fatalf("expected authoritative content, got %q", state.Content())
	}
	if state.Version() != 42 {
		testContext.Fatalf("expected version 42, got %d", state.Version())
	}
	if len(state.Pending()) != 0 {
		testContext.Fatalf("expected pending discarded on reset")
	}
}

func TestPeerStateDeduplicatesRemoteOperations(testContext *testing.T) {
	state := mustPeerState(testContext, "alice")

	remote := ot.Operation{UserID: "bob", Type: ot.TypeInsert, Position: 0, Content: "Z", Timestamp: 99, Version: 1}
	if err := state.ApplyRemote(remote); err != nil {
		testContext.Fatalf("first remote apply failed: %v", err)
	}
	if err := state.ApplyRemote(remote); err != nil {
		testContext.Fatalf("duplicate remote apply failed: %v", err)
	}
	if state.Content() != "Z" {
		testContext.Fatalf("duplicate apply must change content only once, got %q", state.Content())
	}
}

func TestPeerStatesConvergeRegardlessOfArrivalOrder(testContext *testing.T) {
	alice := mustPeerState(testContext, "alice")
	bob := mustPeerState(testContext, "bob")

	aliceOp, err := alice.ApplyLocal(ot.TypeInsert, 0, "X", 0)
	if err != nil {
		testContext.Fatalf("alice local apply failed: %v", err)
	}
	bobOp, err := bob.ApplyLocal(ot.TypeInsert, 0, "Y", 0)
	if err != nil {
		testContext.Fatalf("bob local apply failed: %v", err)
	}

	if err := alice.ApplyRemote(bobOp); err != nil {
		testContext.Fatalf("alice remote apply failed: %v", err)
	}
	if err := bob.ApplyRemote(aliceOp); err != nil {
		testContext.Fatalf("bob remote apply failed: %v", err)
	}

	if alice.Content() != "XY" || bob.Content() != "XY" {
		testContext.Fatalf("expected both peers at XY, got %q and %q", alice.Content(), bob.Content())
	}
}

func TestChangesStreamCarriesNewContent(testContext *testing.T) {
	state := mustServerState(testContext, "alice")

	stream, cancel := state.Changes(context.Background())
	defer cancel()

	if _, err := state.ApplyLocal(ot.TypeInsert, 0, "hi", 0); err != nil {
		testContext.Fatalf("apply local failed: %v", err)
	}

	select {
	case change := <-stream:
		if change.Content != "hi" {
			testContext.Fatalf("expected change content hi, got %q", change.Content)
		}
	case <-time.After(time.Second):
		testContext.Fatalf("expected a document changed notification")
	}
}
