package document

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/octatecode/collabd/internal/ot"
)

var (
	// ErrStaleOperation marks a remote operation whose version is not ahead
	// of local state. It has already been superseded and is safe to drop.
	ErrStaleOperation = errors.New("stale operation: remote version not ahead of local")

	errMissingUserID = errors.New("user id is required")
)

// Change is published after every successful apply or reset, carrying the
// document content the presentation layer should now show.
type Change struct {
	Content string
	Version int64
}

// State is one document's mutable session state. Two implementations exist:
// NewServerState follows a single authoritative version counter and clears
// pending operations on acknowledgment; NewPeerState keeps an independent
// local clock per peer and deduplicates remote operations by origin.
type State interface {
	// ApplyLocal records a locally originated edit, splices it into the
	// content optimistically, and tracks it as pending.
	ApplyLocal(opType ot.Type, position int, content string, length int) (ot.Operation, error)
	// ApplyRemote transforms a remote operation against local pending
	// edits and applies the result.
	ApplyRemote(op ot.Operation) error
	// Acknowledge clears a pending operation once the authority confirms
	// it. Identity is the (userId, timestamp) key, never content.
	Acknowledge(op ot.Operation)
	// Reset replaces all local state with an authoritative snapshot,
	// discarding pending and history.
	Reset(content string, version int64)

	Content() string
	Version() int64
	Pending() []ot.Operation
	// Changes subscribes to document-changed notifications until the
	// returned cancel runs or ctx is done.
	Changes(ctx context.Context) (<-chan Change, func())
}

// Config configures either State implementation.
type Config struct {
	UserID string
	Clock  func() time.Time
	Logger *zap.Logger
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.UserID == "" {
		return Config{}, errMissingUserID
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg, nil
}

func removePending(pending []ot.Operation, key ot.Key) ([]ot.Operation, bool) {
	for i, op := range pending {
		if op.Key() == key {
			return append(pending[:i:i], pending[i+1:]...), true
		}
	}
	return pending, false
}
