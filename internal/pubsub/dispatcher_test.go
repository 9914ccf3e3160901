package pubsub

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(testContext *testing.T) {
	dispatcher := NewDispatcher[string]()

	first, cancelFirst := dispatcher.Subscribe(context.Background())
	defer cancelFirst()
	second, cancelSecond := dispatcher.Subscribe(context.Background())
	defer cancelSecond()

	dispatcher.Publish("hello")

	if got := <-first; got != "hello" {
		testContext.Fatalf("first subscriber got %q", got)
	}
	if got := <-second; got != "hello" {
		testContext.Fatalf("second subscriber got %q", got)
	}
}

func TestCancelledSubscriberStopsReceiving(testContext *testing.T) {
	dispatcher := NewDispatcher[int]()

	stream, cancel := dispatcher.Subscribe(context.Background())
	cancel()
	cancel()

	dispatcher.Publish(1)

	select {
	case value := <-stream:
		testContext.Fatalf("expected no delivery after cancel, got %d", value)
	default:
	}
	if count := dispatcher.SubscriberCount(); count != 0 {
		testContext.Fatalf("expected zero subscribers, got %d", count)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(testContext *testing.T) {
	dispatcher := NewDispatcher[int]()

	stream, cancel := dispatcher.Subscribe(context.Background())
	defer cancel()

	// Overfill the buffer; Publish must drop rather than block.
	for i := 0; i < defaultBufferSize+10; i++ {
		dispatcher.Publish(i)
	}

	received := 0
	for {
		select {
		case <-stream:
			received++
			continue
		default:
		}
		break
	}
	if received != defaultBufferSize {
		testContext.Fatalf("expected %d buffered events, got %d", defaultBufferSize, received)
	}
}

func TestContextCancelUnsubscribes(testContext *testing.T) {
	dispatcher := NewDispatcher[int]()

	ctx, cancelCtx := context.WithCancel(context.Background())
	_, cancel := dispatcher.Subscribe(ctx)
	defer cancel()

	cancelCtx()

	deadline := time.Now().Add(2 * time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			testContext.Fatalf("subscriber not removed after context cancel")
		}
		time.Sleep(time.Millisecond)
	}
}
