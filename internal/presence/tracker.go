package presence

import (
	"sort"
	"sync"
	"time"
)

const defaultStaleAfter = 30 * time.Second

// Cursor is one peer's transient editing position. Records are overwritten
// wholesale on every update and vanish with the owning peer.
type Cursor struct {
	UserID         string `json:"userId"`
	FileURI        string `json:"fileUri,omitempty"`
	Line           int    `json:"line"`
	Character      int    `json:"character"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	IsActive       bool   `json:"isActive"`
	LastSeen       int64  `json:"lastSeen"`
}

// Config configures a Tracker.
type Config struct {
	// StaleAfter is how long a peer may stay silent before its record is
	// flipped inactive by SweepStale.
	StaleAfter time.Duration
	Clock      func() time.Time
}

// Tracker keeps per-peer cursor and activity state, independent of document
// state.
type Tracker struct {
	mu         sync.RWMutex
	records    map[string]Cursor
	staleAfter time.Duration
	clock      func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tracker{
		records:    make(map[string]Cursor),
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
	}
}

// Update replaces the peer's record and refreshes its liveness.
func (t *Tracker) Update(cursor Cursor) {
	if cursor.UserID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cursor.IsActive = true
	cursor.LastSeen = t.clock().UnixMilli()
	t.records[cursor.UserID] = cursor
}

// Touch refreshes liveness without changing position, e.g. on a heartbeat.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[userID]
	if !ok {
		record = Cursor{UserID: userID}
	}
	record.IsActive = true
	record.LastSeen = t.clock().UnixMilli()
	t.records[userID] = record
}

// MarkInactive flips the peer offline without removing its record, used when
// the transport notices silence before the room authority evicts the peer.
func (t *Tracker) MarkInactive(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[userID]
	if !ok {
		return
	}
	record.IsActive = false
	t.records[userID] = record
}

// Remove deletes the peer's record entirely.
func (t *Tracker) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, userID)
}

// Get returns the peer's current record.
func (t *Tracker) Get(userID string) (Cursor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.records[userID]
	return record, ok
}

// Snapshot lists all records ordered by user id.
func (t *Tracker) Snapshot() []Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snapshot := make([]Cursor, 0, len(t.records))
	for _, record := range t.records {
		snapshot = append(snapshot, record)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UserID < snapshot[j].UserID })
	return snapshot
}

// SweepStale marks peers inactive whose last activity is older than the
// staleness window, returning how many were flipped.
func (t *Tracker) SweepStale() int {
	cutoff := t.clock().Add(-t.staleAfter).UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	flipped := 0
	for userID, record := range t.records {
		if record.IsActive && record.LastSeen < cutoff {
			record.IsActive = false
			t.records[userID] = record
			flipped++
		}
	}
	return flipped
}
