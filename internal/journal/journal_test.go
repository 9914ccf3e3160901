package journal

import (
	"fmt"
	"testing"
	"time"
)

var memoryDatabaseSequence int

func newTestJournal(testContext *testing.T) *Journal {
	testContext.Helper()
	memoryDatabaseSequence++
	path := fmt.Sprintf("file:journal_test_%d?mode=memory&cache=shared", memoryDatabaseSequence)
	j, err := Open(Config{
		Path:  path,
		Clock: func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		testContext.Fatalf("failed to open journal: %v", err)
	}
	return j
}

func TestOpenRequiresPath(testContext *testing.T) {
	if _, err := Open(Config{}); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestRecordAndTotals(testContext *testing.T) {
	j := newTestJournal(testContext)

	j.RecordEvent("room-1", "alice", "room-created")
	j.RecordEvent("room-1", "bob", "peer-joined")
	j.RecordEvent("room-1", "carol", "peer-joined")
	j.RecordEvent("room-1", "bob", "peer-left")
	j.RecordEvent("room-1", "alice", "room-closed")

	totals, err := j.TotalCounts()
	if err != nil {
		testContext.Fatalf("totals failed: %v", err)
	}
	if totals.RoomsCreated != 1 || totals.RoomsClosed != 1 {
		testContext.Fatalf("unexpected room counts: %+v", totals)
	}
	if totals.PeersJoined != 2 {
		testContext.Fatalf("expected two joins, got %d", totals.PeersJoined)
	}
	if totals.Events != 5 {
		testContext.Fatalf("expected five events, got %d", totals.Events)
	}
}

func TestRoomHistoryPreservesOrder(testContext *testing.T) {
	j := newTestJournal(testContext)

	j.RecordEvent("room-1", "alice", "room-created")
	j.RecordEvent("room-2", "dave", "room-created")
	j.RecordEvent("room-1", "bob", "peer-joined")
	j.RecordEvent("room-1", "bob", "peer-left")

	history, err := j.RoomHistory("room-1")
	if err != nil {
		testContext.Fatalf("history failed: %v", err)
	}
	if len(history) != 3 {
		testContext.Fatalf("expected three events, got %d", len(history))
	}
	if history[0].Event != "room-created" || history[2].Event != "peer-left" {
		testContext.Fatalf("unexpected order: %+v", history)
	}
	if history[0].CreatedAt != time.Unix(1700000000, 0).UnixMilli() {
		testContext.Fatalf("expected injected clock timestamp, got %d", history[0].CreatedAt)
	}
}

func TestRecentReturnsNewestFirst(testContext *testing.T) {
	j := newTestJournal(testContext)

	j.RecordEvent("room-1", "alice", "room-created")
	j.RecordEvent("room-1", "bob", "peer-joined")
	j.RecordEvent("room-1", "bob", "peer-left")

	recent, err := j.Recent(2)
	if err != nil {
		testContext.Fatalf("recent failed: %v", err)
	}
	if len(recent) != 2 {
		testContext.Fatalf("expected two events, got %d", len(recent))
	}
	if recent[0].Event != "peer-left" || recent[1].Event != "peer-joined" {
		testContext.Fatalf("unexpected order: %+v", recent)
	}
}
