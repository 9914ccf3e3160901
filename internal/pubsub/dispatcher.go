package pubsub

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans events of one category out to its subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event rather
// than stalling the publisher, and a disposed subscriber stops receiving.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	stream chan T
}

func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{
		subscribers: make(map[int64]*subscriber[T]),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream that receives published events until the
// returned cancel function runs or ctx is done.
func (d *Dispatcher[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	d.mu.Lock()
	d.nextID++
	entry := &subscriber[T]{
		id:     d.nextID,
		stream: make(chan T, d.bufferSize),
	}
	d.subscribers[entry.id] = entry
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, entry.id)
			d.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return entry.stream, cancel
}

// Publish delivers event to every current subscriber, best effort.
func (d *Dispatcher[T]) Publish(event T) {
	d.mu.RLock()
	copies := make([]*subscriber[T], 0, len(d.subscribers))
	for _, entry := range d.subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()

	for _, entry := range copies {
		select {
		case entry.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many streams are currently registered.
func (d *Dispatcher[T]) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
