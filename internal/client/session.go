package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/octatecode/collabd/internal/document"
	"github.com/octatecode/collabd/internal/ot"
	"github.com/octatecode/collabd/internal/presence"
	"github.com/octatecode/collabd/internal/protocol"
	"github.com/octatecode/collabd/internal/pubsub"
)

var (
	// ErrTransportDisconnected marks a send attempted after Close.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrQueueOverflow marks a dropped frame in the offline queue.
	ErrQueueOverflow = errors.New("outbound queue overflow")
	// ErrReconnectExhausted is terminal: the session stops retrying and the
	// caller must reconnect manually.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	errMissingEndpoint = errors.New("endpoint is required")
	errMissingUserID   = errors.New("user id is required")
	errMissingDocument = errors.New("document state is required")
)

// Status is the connection state exposed to the collaborating UI.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

type StatusEvent struct {
	Status Status
	Err    error
}

// RoomEvent reports membership changes and server-side errors.
type RoomEvent struct {
	Type     protocol.MessageType
	UserID   string
	UserName string
	Message  string
}

// Config configures a Session.
type Config struct {
	Endpoint string
	Token    string
	// RoomID joins an existing room; when empty the session creates one
	// named RoomName instead.
	RoomID   string
	RoomName string
	UserID   string
	UserName string

	Document document.State
	Presence *presence.Tracker
	Logger   *zap.Logger
	Dialer   *websocket.Dialer

	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int
	QueueLimit           int
	HeartbeatInterval    time.Duration
}

// Session is one client's logical connection to the room authority: it
// authenticates, joins or creates a room, relays operations and presence
// both ways, queues while disconnected, and reconnects with exponential
// backoff.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	queue      *frameQueue
	status     *pubsub.Dispatcher[StatusEvent]
	roomEvents *pubsub.Dispatcher[RoomEvent]
	signals    *pubsub.Dispatcher[protocol.Message]

	stateMu   sync.Mutex
	roomID    string
	sessionID string

	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingEndpoint
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	if cfg.Document == nil {
		return nil, errMissingDocument
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewTracker(presence.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatRate
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:        cfg,
		dialer:     dialer,
		logger:     cfg.Logger,
		queue:      newFrameQueue(cfg.QueueLimit),
		status:     pubsub.NewDispatcher[StatusEvent](),
		roomEvents: pubsub.NewDispatcher[RoomEvent](),
		signals:    pubsub.NewDispatcher[protocol.Message](),
		roomID:     cfg.RoomID,
		done:       make(chan struct{}),
	}, nil
}

// Connect establishes the session, retrying with backoff. It returns once
// connected and authenticated, or with ErrReconnectExhausted after the
// attempt budget is spent.
func (s *Session) Connect(ctx context.Context) error {
	return s.establish(ctx)
}

// Close tears the session down and cancels any pending reconnect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
		s.status.Publish(StatusEvent{Status: StatusDisconnected})
	})
	return nil
}

// RoomID returns the joined room id, which the authority assigns when the
// session created the room.
func (s *Session) RoomID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.roomID
}

func (s *Session) SessionID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessionID
}

// Status subscribes to connection state changes.
func (s *Session) Status(ctx context.Context) (<-chan StatusEvent, func()) {
	return s.status.Subscribe(ctx)
}

// RoomEvents subscribes to membership changes and relayed errors.
func (s *Session) RoomEvents(ctx context.Context) (<-chan RoomEvent, func()) {
	return s.roomEvents.Subscribe(ctx)
}

// Signals subscribes to peer-connection handshake messages addressed to
// this session.
func (s *Session) Signals(ctx context.Context) (<-chan protocol.Message, func()) {
	return s.signals.Subscribe(ctx)
}

// Edit applies a local edit optimistically and sends it to the room.
func (s *Session) Edit(opType ot.Type, position int, content string, length int) (ot.Operation, error) {
	op, err := s.cfg.Document.ApplyLocal(opType, position, content, length)
	if err != nil {
		return ot.Operation{}, err
	}
	return op, s.SendOperation(op)
}

func (s *Session) SendOperation(op ot.Operation) error {
	message, err := protocol.New(protocol.TypeOperation, s.RoomID(), s.cfg.UserID, op)
	if err != nil {
		return err
	}
	return s.Send(message)
}

func (s *Session) SendCursor(cursor presence.Cursor) error {
	cursor.UserID = s.cfg.UserID
	message, err := protocol.New(protocol.TypeCursor, s.RoomID(), s.cfg.UserID, cursor)
	if err != nil {
		return err
	}
	return s.Send(message)
}

// SendSignal forwards a handshake frame to the named peer through the relay.
func (s *Session) SendSignal(signalType protocol.MessageType, payload protocol.SignalPayload) error {
	payload.From = s.cfg.UserID
	message, err := protocol.New(signalType, s.RoomID(), s.cfg.UserID, payload)
	if err != nil {
		return err
	}
	return s.Send(message)
}

// Send delivers a message now, or queues it while disconnected. Queued
// frames flush in order after the next successful reconnect; overflow drops
// the oldest frame.
func (s *Session) Send(message protocol.Message) error {
	select {
	case <-s.done:
		return ErrTransportDisconnected
	default:
	}

	frame, err := message.Encode()
	if err != nil {
		return err
	}
	if err := s.writeFrame(frame); err != nil {
		if s.queue.Push(frame) {
			s.logger.Warn("offline queue overflow, oldest frame dropped",
				zap.Error(ErrQueueOverflow))
		}
		return nil
	}
	return nil
}

func (s *Session) writeFrame(frame []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrTransportDisconnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) establish(ctx context.Context) error {
	policy := newBackoffPolicy(s.cfg.BackoffBase, s.cfg.BackoffMax)
	for attempt := 0; attempt < s.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-s.done:
			return ErrTransportDisconnected
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.status.Publish(StatusEvent{Status: StatusConnecting})
		conn, err := s.dialAndJoin(ctx)
		if err == nil {
			s.status.Publish(StatusEvent{Status: StatusConnected})
			s.flushQueue()
			go s.readPump(ctx, conn)
			go s.heartbeatLoop(conn)
			return nil
		}

		delay := policy.NextBackOff()
		s.logger.Warn("connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrTransportDisconnected
		}
	}

	s.status.Publish(StatusEvent{Status: StatusError, Err: ErrReconnectExhausted})
	return ErrReconnectExhausted
}

func (s *Session) dialAndJoin(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return nil, err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	auth, err := protocol.New(protocol.TypeAuth, "", s.cfg.UserID, protocol.AuthPayload{
		Token:  s.cfg.Token,
		UserID: s.cfg.UserID,
	})
	if err != nil {
		return nil, err
	}
	frame, err := auth.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.writeFrame(frame); err != nil {
		s.dropConn(conn)
		return nil, err
	}

	var join protocol.Message
	if roomID := s.RoomID(); roomID != "" {
		join, err = protocol.New(protocol.TypeJoinRoom, roomID, s.cfg.UserID, protocol.JoinRoomPayload{
			RoomID:   roomID,
			UserName: s.cfg.UserName,
		})
	} else {
		join, err = protocol.New(protocol.TypeCreateRoom, "", s.cfg.UserID, protocol.CreateRoomPayload{
			RoomName: s.cfg.RoomName,
			UserName: s.cfg.UserName,
		})
	}
	if err != nil {
		return nil, err
	}
	frame, err = join.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.writeFrame(frame); err != nil {
		s.dropConn(conn)
		return nil, err
	}
	return conn, nil
}

func (s *Session) dropConn(conn *websocket.Conn) {
	conn.Close()
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Session) flushQueue() {
	frames := s.queue.Drain()
	for i, frame := range frames {
		if err := s.writeFrame(frame); err != nil {
			// Connection already failed again; requeue the unsent remainder
			// in order and let the next reconnect retry.
			s.queue.PushFront(frames[i:])
			return
		}
	}
}

func (s *Session) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.dropConn(conn)
			s.status.Publish(StatusEvent{Status: StatusDisconnected, Err: err})
			if err := s.establish(ctx); err != nil {
				s.logger.Error("session terminated", zap.Error(err))
			}
			return
		}
		s.dispatch(frame)
	}
}

func (s *Session) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.currentConn() != conn {
				return
			}
			beat, err := protocol.New(protocol.TypeHeartbeat, s.RoomID(), s.cfg.UserID, nil)
			if err != nil {
				continue
			}
			if frame, err := beat.Encode(); err == nil {
				if err := s.writeFrame(frame); err != nil {
					return
				}
			}
			// Peers that have gone silent are flagged offline locally even
			// before the room authority evicts them.
			s.cfg.Presence.SweepStale()
		}
	}
}

func (s *Session) dispatch(frame []byte) {
	message, err := protocol.Parse(frame)
	if err != nil {
		s.logger.Warn("discarding unparseable frame", zap.Error(err))
		return
	}

	switch message.Type {
	case protocol.TypeSync:
		var payload protocol.SyncPayload
		if err := message.DecodePayload(&payload); err != nil {
			s.logger.Warn("malformed sync payload", zap.Error(err))
			return
		}
		s.stateMu.Lock()
		if message.RoomID != "" {
			s.roomID = message.RoomID
		}
		s.sessionID = payload.SessionID
		s.stateMu.Unlock()
		s.cfg.Document.Reset(payload.Content, payload.Version)

	case protocol.TypeOperation:
		var op ot.Operation
		if err := message.DecodePayload(&op); err != nil {
			s.logger.Warn("malformed operation payload", zap.Error(err))
			return
		}
		if err := s.cfg.Document.ApplyRemote(op); err != nil {
			if errors.Is(err, document.ErrStaleOperation) {
				// Already superseded locally; dropping it is the recovery.
				return
			}
			s.logger.Warn("remote operation rejected", zap.Error(err))
			return
		}
		s.cfg.Presence.Touch(op.UserID)

	case protocol.TypeAck:
		var op ot.Operation
		if err := message.DecodePayload(&op); err != nil {
			s.logger.Warn("malformed ack payload", zap.Error(err))
			return
		}
		s.cfg.Document.Acknowledge(op)

	case protocol.TypeCursor, protocol.TypePresence:
		var cursor presence.Cursor
		if err := message.DecodePayload(&cursor); err != nil {
			s.logger.Warn("malformed presence payload", zap.Error(err))
			return
		}
		s.cfg.Presence.Update(cursor)

	case protocol.TypeUserJoined:
		var payload protocol.UserJoinedPayload
		if err := message.DecodePayload(&payload); err != nil {
			return
		}
		s.cfg.Presence.Touch(payload.UserID)
		s.roomEvents.Publish(RoomEvent{Type: message.Type, UserID: payload.UserID, UserName: payload.UserName})

	case protocol.TypeUserLeft:
		var payload protocol.UserLeftPayload
		if err := message.DecodePayload(&payload); err != nil {
			return
		}
		s.cfg.Presence.Remove(payload.UserID)
		s.roomEvents.Publish(RoomEvent{Type: message.Type, UserID: payload.UserID, UserName: payload.UserName})

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := message.DecodePayload(&payload); err != nil {
			return
		}
		s.roomEvents.Publish(RoomEvent{Type: message.Type, Message: payload.Message})

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICE:
		s.signals.Publish(message)

	case protocol.TypeHeartbeat:
		s.cfg.Presence.Touch(message.UserID)

	case protocol.TypeHeartbeatAck:
		// Server liveness confirmed; nothing to update beyond not being
		// disconnected, which the read pump already implies.

	case protocol.TypeAuth, protocol.TypeCreateRoom, protocol.TypeJoinRoom, protocol.TypeLeaveRoom:
		// Client-to-server only; a well-behaved relay never sends these.
	}
}
