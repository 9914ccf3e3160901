package client

import "testing"

func TestQueuePreservesFIFOOrder(testContext *testing.T) {
	queue := newFrameQueue(10)
	queue.Push([]byte("a"))
	queue.Push([]byte("b"))
	queue.Push([]byte("c"))

	drained := queue.Drain()
	if len(drained) != 3 {
		testContext.Fatalf("expected three frames, got %d", len(drained))
	}
	if string(drained[0]) != "a" || string(drained[2]) != "c" {
		testContext.Fatalf("expected FIFO order, got %q %q %q", drained[0], drained[1], drained[2])
	}
	if queue.Len() != 0 {
		testContext.Fatalf("expected empty queue after drain")
	}
}

func TestQueuePushFrontKeepsRemainderAheadOfNewFrames(testContext *testing.T) {
	queue := newFrameQueue(10)
	queue.Push([]byte("queued-later"))

	queue.PushFront([][]byte{[]byte("unsent-1"), []byte("unsent-2")})

	drained := queue.Drain()
	if len(drained) != 3 {
		testContext.Fatalf("expected three frames, got %d", len(drained))
	}
	if string(drained[0]) != "unsent-1" || string(drained[1]) != "unsent-2" || string(drained[2]) != "queued-later" {
		testContext.Fatalf("expected remainder ahead of newer frames, got %q %q %q", drained[0], drained[1], drained[2])
	}
}

func TestQueueDropsOldestOnOverflow(testContext *testing.T) {
	queue := newFrameQueue(2)
	if queue.Push([]byte("first")) {
		testContext.Fatalf("unexpected overflow")
	}
	queue.Push([]byte("second"))
	if !queue.Push([]byte("third")) {
		testContext.Fatalf("expected overflow on third push")
	}

	drained := queue.Drain()
	if len(drained) != 2 {
		testContext.Fatalf("expected bounded queue of two, got %d", len(drained))
	}
	if string(drained[0]) != "second" || string(drained[1]) != "third" {
		testContext.Fatalf("expected oldest dropped, got %q %q", drained[0], drained[1])
	}
	if queue.Dropped() != 1 {
		testContext.Fatalf("expected one dropped frame, got %d", queue.Dropped())
	}
}
