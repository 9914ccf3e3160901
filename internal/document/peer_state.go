package document

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octatecode/collabd/internal/ot"
	"github.com/octatecode/collabd/internal/pubsub"
)

// PeerState tracks a document without a central authority. Every peer keeps
// an independent local clock; remote operations are identified by their
// (userId, timestamp) origin and applied at most once, so redelivery over a
// flaky channel changes content only once.
type PeerState struct {
	mu      sync.RWMutex
	userID  string
	content string
	clock   func() time.Time
	counter int64
	seen    map[ot.Key]struct{}
	history []ot.Operation
	pending []ot.Operation
	changes *pubsub.Dispatcher[Change]
	logger  *zap.Logger
}

func NewPeerState(cfg Config) (*PeerState, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &PeerState{
		userID:  cfg.UserID,
		clock:   cfg.Clock,
		seen:    make(map[ot.Key]struct{}),
		changes: pubsub.NewDispatcher[Change](),
		logger:  cfg.Logger,
	}, nil
}

func (s *PeerState) ApplyLocal(opType ot.Type, position int, content string, length int) (ot.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	op := ot.Operation{
		UserID:    s.userID,
		Type:      opType,
		Position:  position,
		Content:   content,
		Length:    length,
		Timestamp: s.clock().UnixMilli(),
		Version:   s.counter,
	}

	next, err := ot.Apply(s.content, op)
	if err != nil {
		s.counter--
		return ot.Operation{}, err
	}
	s.content = next
	s.seen[op.Key()] = struct{}{}
	s.history = append(s.history, op)
	s.pending = append(s.pending, op)
	s.publishLocked()
	return op, nil
}

func (s *PeerState) ApplyRemote(op ot.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, duplicate := s.seen[op.Key()]; duplicate {
		s.logger.Debug("ignoring duplicate remote operation",
			zap.String("user_id", op.UserID),
			zap.Int64("timestamp", op.Timestamp))
		return nil
	}

	transformed := ot.TransformAgainst(op, s.pending)
	next, err := ot.Apply(s.content, transformed)
	if err != nil {
		return err
	}
	s.content = next
	s.seen[op.Key()] = struct{}{}
	s.history = append(s.history, transformed)
	if op.Version > s.counter {
		s.counter = op.Version
	}
	s.publishLocked()
	return nil
}

// Acknowledge drops the matching pending entry. Without an authority the
// pending queue only bounds how many local edits remote operations are
// transformed against once peers echo them back.
func (s *PeerState) Acknowledge(op ot.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending, _ = removePending(s.pending, op.Key())
}

func (s *PeerState) Reset(content string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content = content
	s.counter = version
	s.history = nil
	s.pending = nil
	s.seen = make(map[ot.Key]struct{})
	s.publishLocked()
}

func (s *PeerState) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

func (s *PeerState) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter
}

func (s *PeerState) Pending() []ot.Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]ot.Operation, len(s.pending))
	copy(copied, s.pending)
	return copied
}

func (s *PeerState) Changes(ctx context.Context) (<-chan Change, func()) {
	return s.changes.Subscribe(ctx)
}

func (s *PeerState) publishLocked() {
	s.changes.Publish(Change{Content: s.content, Version: s.counter})
}
