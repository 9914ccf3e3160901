package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/octatecode/collabd/internal/ot"
	"github.com/octatecode/collabd/internal/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrPeerNotFound = errors.New("peer not found in room")
	// ErrTargetPeerUnreachable marks a point-to-point send whose target has
	// no live connection. It never fails delivery to other peers.
	ErrTargetPeerUnreachable = errors.New("target peer unreachable")
)

const (
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultIdleDelay         = 30 * time.Second
	defaultInactivityTimeout = 2 * time.Hour
	defaultSweepInterval     = time.Minute
)

// peerColors are assigned round-robin by join order so each collaborator's
// cursor renders distinctly.
var peerColors = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c",
}

// State is the room lifecycle state machine: ACTIVE while peers are present,
// IDLE once membership drains or only a silent host remains, deleted on TTL
// expiry or explicit close.
type State string

const (
	StateActive State = "ACTIVE"
	StateIdle   State = "IDLE"
)

// Peer is one room member.
type Peer struct {
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	IsHost        bool   `json:"isHost"`
	Color         string `json:"color"`
	ConnectedAt   int64  `json:"connectedAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// Snapshot is a copy of room metadata safe to hand outside the manager.
type Snapshot struct {
	RoomID       string `json:"roomId"`
	RoomName     string `json:"roomName"`
	HostID       string `json:"hostId"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
	State        State  `json:"state"`
	Peers        []Peer `json:"peers"`
	Content      string `json:"content"`
	Version      int64  `json:"version"`
}

// Sender delivers one protocol message to a connected peer.
type Sender func(message protocol.Message) error

// Recorder receives room lifecycle events, best effort.
type Recorder interface {
	RecordEvent(roomID, userID, event string)
}

type roomEntry struct {
	id           string
	name         string
	hostID       string
	createdAt    time.Time
	lastActivity time.Time
	state        State
	peers        map[string]*Peer
	senders      map[string]Sender
	content      string
	version      int64
	joined       int
	idleTimer    TimerHandle
}

// Config configures a Manager.
type Config struct {
	// HeartbeatTimeout evicts non-host peers silent for longer than this.
	HeartbeatTimeout time.Duration
	// IdleDelay is how long after a join/leave burst the idle state is
	// reevaluated.
	IdleDelay time.Duration
	// InactivityTimeout deletes rooms with no activity for this long.
	InactivityTimeout time.Duration
	// SweepInterval is the cadence of the eviction/cleanup sweep.
	SweepInterval time.Duration
	Scheduler     Scheduler
	Clock         func() time.Time
	Logger        *zap.Logger
	Recorder      Recorder
}

// Manager is the server-side authority over room existence and membership.
// All mutation happens under one lock per manager, so no two messages for
// the same room ever interleave mid-mutation.
type Manager struct {
	mu          sync.RWMutex
	rooms       map[string]*roomEntry
	cfg         Config
	sweepHandle TimerHandle
	closed      bool
}

func NewManager(cfg Config) *Manager {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = defaultIdleDelay
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	manager := &Manager{
		rooms: make(map[string]*roomEntry),
		cfg:   cfg,
	}
	manager.sweepHandle = cfg.Scheduler.Every(cfg.SweepInterval, manager.Sweep)
	return manager
}

// Close stops the sweep and every idle-reevaluation timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.sweepHandle != nil {
		m.sweepHandle.Stop()
	}
	for _, entry := range m.rooms {
		if entry.idleTimer != nil {
			entry.idleTimer.Stop()
		}
	}
}

// CreateRoom registers a room with its host as first member. Duplicate
// create requests from flaky clients return the existing metadata instead
// of erroring.
func (m *Manager) CreateRoom(roomID, roomName, hostID, hostName, content string) (Snapshot, error) {
	if roomID == "" {
		roomID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.rooms[roomID]; ok {
		return existing.snapshot(), nil
	}

	now := m.cfg.Clock()
	entry := &roomEntry{
		id:           roomID,
		name:         roomName,
		hostID:       hostID,
		createdAt:    now,
		lastActivity: now,
		state:        StateActive,
		peers:        make(map[string]*Peer),
		senders:      make(map[string]Sender),
		content:      content,
	}
	entry.addPeerLocked(hostID, hostName, true, now)
	m.rooms[roomID] = entry

	m.cfg.Logger.Info("room created",
		zap.String("room_id", roomID),
		zap.String("host_id", hostID))
	m.record(roomID, hostID, "room-created")
	return entry.snapshot(), nil
}

// JoinRoom admits a peer. Joining a room one is already in is a no-op that
// still refreshes liveness.
func (m *Manager) JoinRoom(roomID, userID, userName string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}

	now := m.cfg.Clock()
	entry.lastActivity = now
	entry.state = StateActive
	if peer, member := entry.peers[userID]; member {
		peer.LastHeartbeat = now.UnixMilli()
	} else {
		entry.addPeerLocked(userID, userName, userID == entry.hostID, now)
		m.record(roomID, userID, "peer-joined")
	}

	m.scheduleIdleCheckLocked(entry)
	return entry.snapshot(), nil
}

// LeaveRoom removes the peer; a room left empty turns IDLE immediately.
func (m *Manager) LeaveRoom(roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, member := entry.peers[userID]; !member {
		return ErrPeerNotFound
	}

	delete(entry.peers, userID)
	delete(entry.senders, userID)
	entry.lastActivity = m.cfg.Clock()
	if len(entry.peers) == 0 {
		entry.state = StateIdle
	}
	m.record(roomID, userID, "peer-left")
	m.scheduleIdleCheckLocked(entry)
	return nil
}

// CloseRoom deletes a room explicitly.
func (m *Manager) CloseRoom(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	m.deleteRoomLocked(entry)
	return nil
}

// UpdatePeerHeartbeat refreshes a peer's liveness and the room's activity.
func (m *Manager) UpdatePeerHeartbeat(roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	peer, member := entry.peers[userID]
	if !member {
		return ErrPeerNotFound
	}
	now := m.cfg.Clock()
	peer.LastHeartbeat = now.UnixMilli()
	entry.lastActivity = now
	return nil
}

// ApplyOperation stamps the next authoritative version on the operation,
// splices it into the room's content snapshot, and returns the stamped copy
// for relay and acknowledgment.
func (m *Manager) ApplyOperation(roomID string, op ot.Operation) (ot.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[roomID]
	if !ok {
		return ot.Operation{}, ErrRoomNotFound
	}

	op.Version = entry.version + 1
	next, err := ot.Apply(entry.content, op)
	if err != nil {
		return ot.Operation{}, err
	}
	entry.content = next
	entry.version = op.Version
	entry.lastActivity = m.cfg.Clock()
	entry.state = StateActive
	return op, nil
}

// Attach registers the live connection used to deliver messages to a peer.
func (m *Manager) Attach(roomID, userID string, sender Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	entry.senders[userID] = sender
	return nil
}

// Detach forgets the peer's connection without removing membership; the
// heartbeat sweep reclaims the room slot later, tolerating brief blips.
func (m *Manager) Detach(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.rooms[roomID]; ok {
		delete(entry.senders, userID)
	}
}

// BroadcastToRoom fans a message out to every member except exceptUserID.
// One failing peer never blocks delivery to the rest.
func (m *Manager) BroadcastToRoom(roomID string, message protocol.Message, exceptUserID string) error {
	m.mu.RLock()
	entry, ok := m.rooms[roomID]
	if !ok {
		m.mu.RUnlock()
		return ErrRoomNotFound
	}
	targets := make(map[string]Sender, len(entry.senders))
	for userID, sender := range entry.senders {
		if userID != exceptUserID {
			targets[userID] = sender
		}
	}
	m.mu.RUnlock()

	for userID, sender := range targets {
		if err := sender(message); err != nil {
			m.cfg.Logger.Warn("broadcast delivery failed",
				zap.String("room_id", roomID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	return nil
}

// SendToPeer delivers a message to one named member.
func (m *Manager) SendToPeer(roomID, userID string, message protocol.Message) error {
	m.mu.RLock()
	entry, ok := m.rooms[roomID]
	if !ok {
		m.mu.RUnlock()
		return ErrRoomNotFound
	}
	sender, connected := entry.senders[userID]
	m.mu.RUnlock()

	if !connected {
		return ErrTargetPeerUnreachable
	}
	return sender(message)
}

// GetRoom returns the room's current metadata.
func (m *Manager) GetRoom(roomID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}
	return entry.snapshot(), nil
}

// GetAllRooms lists every live room.
func (m *Manager) GetAllRooms() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]Snapshot, 0, len(m.rooms))
	for _, entry := range m.rooms {
		rooms = append(rooms, entry.snapshot())
	}
	return rooms
}

// GetPeerList lists a room's current members.
func (m *Manager) GetPeerList(roomID string) ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return entry.peerList(), nil
}

// Stats reports live room and peer counts.
func (m *Manager) Stats() (roomCount, peerCount int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.rooms {
		peerCount += len(entry.peers)
	}
	return len(m.rooms), peerCount
}

// Sweep evicts non-host peers past the heartbeat timeout and deletes rooms
// past the inactivity timeout. Errors are logged per room and never abort
// the sweep.
func (m *Manager) Sweep() {
	now := m.cfg.Clock()
	heartbeatCutoff := now.Add(-m.cfg.HeartbeatTimeout).UnixMilli()
	inactivityCutoff := now.Add(-m.cfg.InactivityTimeout)

	type eviction struct {
		roomID string
		userID string
	}
	var evicted []eviction

	m.mu.Lock()
	for _, entry := range m.rooms {
		for userID, peer := range entry.peers {
			if peer.IsHost || peer.LastHeartbeat >= heartbeatCutoff {
				continue
			}
			delete(entry.peers, userID)
			delete(entry.senders, userID)
			evicted = append(evicted, eviction{roomID: entry.id, userID: userID})
			m.cfg.Logger.Info("peer evicted by heartbeat timeout",
				zap.String("room_id", entry.id),
				zap.String("user_id", userID))
		}
		if len(entry.peers) == 0 {
			entry.state = StateIdle
		}
		if entry.lastActivity.Before(inactivityCutoff) {
			m.deleteRoomLocked(entry)
		}
	}
	m.mu.Unlock()

	for _, e := range evicted {
		m.record(e.roomID, e.userID, "peer-left")
		left, err := protocol.New(protocol.TypeUserLeft, e.roomID, e.userID,
			protocol.UserLeftPayload{UserID: e.userID})
		if err != nil {
			continue
		}
		if err := m.BroadcastToRoom(e.roomID, left, e.userID); err != nil && !errors.Is(err, ErrRoomNotFound) {
			m.cfg.Logger.Warn("eviction broadcast failed",
				zap.String("room_id", e.roomID), zap.Error(err))
		}
	}
}

func (m *Manager) scheduleIdleCheckLocked(entry *roomEntry) {
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
	}
	roomID := entry.id
	entry.idleTimer = m.cfg.Scheduler.After(m.cfg.IdleDelay, func() {
		m.reevaluateIdle(roomID)
	})
}

// reevaluateIdle marks a room IDLE once a join/leave burst has settled and
// nobody but a silent host remains.
func (m *Manager) reevaluateIdle(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.rooms[roomID]
	if !ok {
		return
	}
	quietSince := m.cfg.Clock().Add(-m.cfg.IdleDelay)
	onlyHost := len(entry.peers) == 1 && entry.peers[entry.hostID] != nil
	if len(entry.peers) == 0 || (onlyHost && !entry.lastActivity.After(quietSince)) {
		entry.state = StateIdle
	}
}

func (m *Manager) deleteRoomLocked(entry *roomEntry) {
	if entry.idleTimer != nil {
		entry.idleTimer.Stop()
	}
	delete(m.rooms, entry.id)
	m.cfg.Logger.Info("room deleted", zap.String("room_id", entry.id))
	m.record(entry.id, entry.hostID, "room-closed")
}

func (m *Manager) record(roomID, userID, event string) {
	if m.cfg.Recorder == nil {
		return
	}
	m.cfg.Recorder.RecordEvent(roomID, userID, event)
}

func (e *roomEntry) addPeerLocked(userID, userName string, isHost bool, now time.Time) {
	e.peers[userID] = &Peer{
		UserID:        userID,
		UserName:      userName,
		IsHost:        isHost,
		Color:         peerColors[e.joined%len(peerColors)],
		ConnectedAt:   now.UnixMilli(),
		LastHeartbeat: now.UnixMilli(),
	}
	e.joined++
}

func (e *roomEntry) peerList() []Peer {
	peers := make([]Peer, 0, len(e.peers))
	for _, peer := range e.peers {
		peers = append(peers, *peer)
	}
	return peers
}

func (e *roomEntry) snapshot() Snapshot {
	return Snapshot{
		RoomID:       e.id,
		RoomName:     e.name,
		HostID:       e.hostID,
		CreatedAt:    e.createdAt.UnixMilli(),
		LastActivity: e.lastActivity.UnixMilli(),
		State:        e.state,
		Peers:        e.peerList(),
		Content:      e.content,
		Version:      e.version,
	}
}
