package relay

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/octatecode/collabd/internal/ot"
	"github.com/octatecode/collabd/internal/protocol"
	"github.com/octatecode/collabd/internal/room"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 50 * time.Second
	sendBufferSize    = 64
)

var (
	errMissingRooms   = errors.New("room manager dependency required")
	errSendBufferFull = errors.New("peer send buffer full")
)

// TokenValidator checks an auth token and returns the authenticated subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Config configures a Relay.
type Config struct {
	Rooms *room.Manager
	// Auth validates the token carried by the auth message. When nil the
	// relay admits any non-empty user id, for local development.
	Auth       TokenValidator
	Logger     *zap.Logger
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

// Relay accepts websocket connections, admits peers through the room
// manager, applies and fans out operations, and forwards peer-connection
// handshakes between named peers. Per-message failures turn into error
// replies to the offending sender; they never take the relay down.
type Relay struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger

	connMu sync.Mutex
	conns  map[*peerConn]struct{}
}

func New(cfg Config) (*Relay, error) {
	if cfg.Rooms == nil {
		return nil, errMissingRooms
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	return &Relay{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: cfg.Logger,
		conns:  make(map[*peerConn]struct{}),
	}, nil
}

// HandleWS upgrades an HTTP request and runs the connection until it drops.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	peer := &peerConn{
		relay:     r,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		sessionID: uuid.NewString(),
	}
	r.track(peer)
	go peer.writePump()
	peer.readPump()
	r.untrack(peer)
}

func (r *Relay) track(peer *peerConn) {
	r.connMu.Lock()
	r.conns[peer] = struct{}{}
	r.connMu.Unlock()
}

func (r *Relay) untrack(peer *peerConn) {
	r.connMu.Lock()
	delete(r.conns, peer)
	r.connMu.Unlock()
}

// CloseConnections force-closes every open peer connection. Called on
// shutdown after the HTTP listener stops, since hijacked websocket
// connections outlive http.Server.Shutdown.
func (r *Relay) CloseConnections() {
	r.connMu.Lock()
	peers := make([]*peerConn, 0, len(r.conns))
	for peer := range r.conns {
		peers = append(peers, peer)
	}
	r.connMu.Unlock()

	closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, peer := range peers {
		peer.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(time.Second))
		peer.conn.Close()
	}
}

// peerConn is one connected client. userID is set by the auth message and
// roomID by create/join; both stay empty until then.
type peerConn struct {
	relay     *Relay
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	userID    string
	roomID    string
}

func (c *peerConn) readPump() {
	defer c.cleanup()

	c.conn.SetReadDeadline(time.Now().Add(c.relay.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.relay.cfg.PongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.relay.logger.Debug("websocket read failed",
					zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.relay.cfg.PongWait))
		c.handleFrame(frame)
	}
}

func (c *peerConn) writePump() {
	ticker := time.NewTicker(c.relay.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.relay.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.relay.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cleanup forgets the peer's connection when it drops. Membership survives
// the blip: the heartbeat sweep evicts the peer and broadcasts user-left
// only once the heartbeat timeout elapses without a reconnect. An explicit
// leave-room message still releases the slot immediately.
func (c *peerConn) cleanup() {
	c.conn.Close()
	if c.roomID == "" || c.userID == "" {
		return
	}
	c.relay.cfg.Rooms.Detach(c.roomID, c.userID)
}

func (c *peerConn) handleFrame(frame []byte) {
	message, err := protocol.Parse(frame)
	if err != nil {
		c.sendError(fmt.Sprintf("malformed message: %v", err))
		return
	}

	if c.userID == "" && message.Type != protocol.TypeAuth {
		c.sendError("authentication required")
		return
	}

	switch message.Type {
	case protocol.TypeAuth:
		c.handleAuth(message)
	case protocol.TypeCreateRoom:
		c.handleCreateRoom(message)
	case protocol.TypeJoinRoom:
		c.handleJoinRoom(message)
	case protocol.TypeLeaveRoom:
		c.handleLeaveRoom()
	case protocol.TypeOperation:
		c.handleOperation(message)
	case protocol.TypeCursor, protocol.TypePresence:
		c.handleRelayToRoom(message)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICE:
		c.handleSignal(message)
	case protocol.TypeHeartbeat:
		c.handleHeartbeat()
	case protocol.TypeSync, protocol.TypeAck, protocol.TypeUserJoined,
		protocol.TypeUserLeft, protocol.TypeHeartbeatAck, protocol.TypeError:
		// Server-to-client types; a client sending them is confused but
		// harmless.
		c.relay.logger.Debug("ignoring server-only message from client",
			zap.String("type", string(message.Type)),
			zap.String("user_id", c.userID))
	}
}

func (c *peerConn) handleAuth(message protocol.Message) {
	var payload protocol.AuthPayload
	if err := message.DecodePayload(&payload); err != nil {
		c.sendError("malformed auth payload")
		return
	}
	if payload.UserID == "" {
		c.sendError("auth requires a user id")
		return
	}
	if c.relay.cfg.Auth != nil {
		subject, err := c.relay.cfg.Auth.ValidateToken(payload.Token)
		if err != nil {
			c.relay.logger.Warn("auth token rejected", zap.Error(err))
			c.sendError("invalid auth token")
			return
		}
		if subject != payload.UserID {
			c.sendError("token subject mismatch")
			return
		}
	}
	c.userID = payload.UserID
}

func (c *peerConn) handleCreateRoom(message protocol.Message) {
	var payload protocol.CreateRoomPayload
	if err := message.DecodePayload(&payload); err != nil {
		c.sendError("malformed create-room payload")
		return
	}

	snapshot, err := c.relay.cfg.Rooms.CreateRoom(message.RoomID, payload.RoomName, c.userID, payload.UserName, "")
	if err != nil {
		c.sendError(fmt.Sprintf("create room failed: %v", err))
		return
	}
	c.enterRoom(snapshot)
}

func (c *peerConn) handleJoinRoom(message protocol.Message) {
	var payload protocol.JoinRoomPayload
	if err := message.DecodePayload(&payload); err != nil {
		c.sendError("malformed join-room payload")
		return
	}
	roomID := payload.RoomID
	if roomID == "" {
		roomID = message.RoomID
	}

	snapshot, err := c.relay.cfg.Rooms.JoinRoom(roomID, c.userID, payload.UserName)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			c.sendError("room not found")
		} else {
			c.sendError(fmt.Sprintf("join room failed: %v", err))
		}
		return
	}
	c.enterRoom(snapshot)

	joined, err := protocol.New(protocol.TypeUserJoined, snapshot.RoomID, c.userID, protocol.UserJoinedPayload{
		UserID:   c.userID,
		UserName: payload.UserName,
		Color:    peerColor(snapshot, c.userID),
		IsHost:   snapshot.HostID == c.userID,
	})
	if err == nil {
		c.relay.cfg.Rooms.BroadcastToRoom(snapshot.RoomID, joined, c.userID)
	}
}

// enterRoom attaches the connection as the peer's sender and replies with
// the authoritative snapshot so the new peer starts caught up.
func (c *peerConn) enterRoom(snapshot room.Snapshot) {
	c.roomID = snapshot.RoomID
	if err := c.relay.cfg.Rooms.Attach(snapshot.RoomID, c.userID, c.sender()); err != nil {
		c.sendError(fmt.Sprintf("attach failed: %v", err))
		return
	}

	sync, err := protocol.New(protocol.TypeSync, snapshot.RoomID, c.userID, protocol.SyncPayload{
		Content:   snapshot.Content,
		Version:   snapshot.Version,
		SessionID: c.sessionID,
	})
	if err != nil {
		return
	}
	c.deliver(sync)
}

func (c *peerConn) handleLeaveRoom() {
	if c.roomID == "" {
		return
	}
	roomID := c.roomID
	c.relay.cfg.Rooms.Detach(roomID, c.userID)
	if err := c.relay.cfg.Rooms.LeaveRoom(roomID, c.userID); err == nil {
		c.relay.broadcastUserLeft(roomID, c.userID)
	}
	c.roomID = ""
}

func (c *peerConn) handleOperation(message protocol.Message) {
	if c.roomID == "" {
		c.sendError("not in a room")
		return
	}
	var op ot.Operation
	if err := message.DecodePayload(&op); err != nil {
		c.sendError("malformed operation payload")
		return
	}
	op.UserID = c.userID
	if err := op.Validate(); err != nil {
		c.sendError(fmt.Sprintf("invalid operation: %v", err))
		return
	}

	stamped, err := c.relay.cfg.Rooms.ApplyOperation(c.roomID, op)
	if err != nil {
		c.sendError(fmt.Sprintf("operation rejected: %v", err))
		return
	}

	if relayed, err := protocol.New(protocol.TypeOperation, c.roomID, c.userID, stamped); err == nil {
		c.relay.cfg.Rooms.BroadcastToRoom(c.roomID, relayed, c.userID)
	}
	if ack, err := protocol.New(protocol.TypeAck, c.roomID, c.userID, stamped); err == nil {
		c.deliver(ack)
	}
}

func (c *peerConn) handleRelayToRoom(message protocol.Message) {
	if c.roomID == "" {
		c.sendError("not in a room")
		return
	}
	message.RoomID = c.roomID
	message.UserID = c.userID
	c.relay.cfg.Rooms.UpdatePeerHeartbeat(c.roomID, c.userID)
	c.relay.cfg.Rooms.BroadcastToRoom(c.roomID, message, c.userID)
}

func (c *peerConn) handleSignal(message protocol.Message) {
	if c.roomID == "" {
		c.sendError("not in a room")
		return
	}
	var payload protocol.SignalPayload
	if err := message.DecodePayload(&payload); err != nil {
		c.sendError("malformed signal payload")
		return
	}
	if payload.To == "" {
		c.sendError("signal requires a target peer")
		return
	}

	message.RoomID = c.roomID
	message.UserID = c.userID
	err := c.relay.cfg.Rooms.SendToPeer(c.roomID, payload.To, message)
	if err != nil {
		if errors.Is(err, room.ErrTargetPeerUnreachable) || errors.Is(err, room.ErrRoomNotFound) {
			c.sendError("target peer not found")
			return
		}
		c.relay.logger.Warn("signal forward failed",
			zap.String("room_id", c.roomID),
			zap.String("to", payload.To),
			zap.Error(err))
	}
}

func (c *peerConn) handleHeartbeat() {
	if c.roomID != "" {
		c.relay.cfg.Rooms.UpdatePeerHeartbeat(c.roomID, c.userID)
	}
	if ack, err := protocol.New(protocol.TypeHeartbeatAck, c.roomID, c.userID, nil); err == nil {
		c.deliver(ack)
	}
}

func (c *peerConn) sender() room.Sender {
	return func(message protocol.Message) error {
		return c.deliver(message)
	}
}

func (c *peerConn) deliver(message protocol.Message) error {
	frame, err := message.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *peerConn) sendError(text string) {
	message, err := protocol.New(protocol.TypeError, c.roomID, c.userID, protocol.ErrorPayload{Message: text})
	if err != nil {
		return
	}
	c.deliver(message)
}

func (r *Relay) broadcastUserLeft(roomID, userID string) {
	left, err := protocol.New(protocol.TypeUserLeft, roomID, userID, protocol.UserLeftPayload{UserID: userID})
	if err != nil {
		return
	}
	if err := r.cfg.Rooms.BroadcastToRoom(roomID, left, userID); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		r.logger.Warn("user-left broadcast failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func peerColor(snapshot room.Snapshot, userID string) string {
	for _, peer := range snapshot.Peers {
		if peer.UserID == userID {
			return peer.Color
		}
	}
	return ""
}
