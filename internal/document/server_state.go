package document

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octatecode/collabd/internal/ot"
	"github.com/octatecode/collabd/internal/pubsub"
)

// ServerState tracks a document under a single authoritative version
// counter. Local edits stay pending until the server acknowledges them;
// remote edits must arrive with a version strictly ahead of local state
// (the transport queues out-of-order arrivals, they are never reapplied
// here).
type ServerState struct {
	mu      sync.RWMutex
	userID  string
	content string
	version int64
	history []ot.Operation
	pending []ot.Operation
	changes *pubsub.Dispatcher[Change]
	clock   func() time.Time
	logger  *zap.Logger
}

func NewServerState(cfg Config) (*ServerState, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &ServerState{
		userID:  cfg.UserID,
		changes: pubsub.NewDispatcher[Change](),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}, nil
}

func (s *ServerState) ApplyLocal(opType ot.Type, position int, content string, length int) (ot.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := ot.Operation{
		UserID:    s.userID,
		Type:      opType,
		Position:  position,
		Content:   content,
		Length:    length,
		Timestamp: s.clock().UnixMilli(),
		Version:   s.version + 1,
	}

	next, err := ot.Apply(s.content, op)
	if err != nil {
		return ot.Operation{}, err
	}
	s.content = next
	s.history = append(s.history, op)
	s.pending = append(s.pending, op)
	s.publishLocked()
	return op, nil
}

func (s *ServerState) ApplyRemote(op ot.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.Version <= s.version {
		s.logger.Warn("discarding stale remote operation",
			zap.String("user_id", op.UserID),
			zap.Int64("remote_version", op.Version),
			zap.Int64("local_version", s.version))
		return ErrStaleOperation
	}

	transformed := ot.TransformAgainst(op, s.pending)
	next, err := ot.Apply(s.content, transformed)
	if err != nil {
		return err
	}
	s.content = next
	s.version = op.Version
	s.history = append(s.history, transformed)
	s.publishLocked()
	return nil
}

func (s *ServerState) Acknowledge(op ot.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining, found := removePending(s.pending, op.Key())
	if !found {
		s.logger.Debug("acknowledgment for unknown pending operation",
			zap.String("user_id", op.UserID),
			zap.Int64("timestamp", op.Timestamp))
		return
	}
	s.pending = remaining
	// The authority assigned the final version while confirming.
	if op.Version > s.version {
		s.version = op.Version
	}
}

func (s *ServerState) Reset(content string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content = content
	s.version = version
	s.history = nil
	s.pending = nil
	s.publishLocked()
}

func (s *ServerState) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

func (s *ServerState) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *ServerState) Pending() []ot.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]ot.Operation, len(s.pending))
	copy(copied, s.pending)
	return copied
}

func (s *ServerState) Changes(ctx context.Context) (<-chan Change, func()) {
	return s.changes.Subscribe(ctx)
}

func (s *ServerState) publishLocked() {
	s.changes.Publish(Change{Content: s.content, Version: s.version})
}
