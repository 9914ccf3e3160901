package journal

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errMissingPath = errors.New("journal path must be provided")

// Event is one recorded room lifecycle transition. Document content is never
// journaled; only session history.
type Event struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	RoomID    string `gorm:"index" json:"roomId"`
	UserID    string `json:"userId"`
	Event     string `gorm:"index" json:"event"`
	CreatedAt int64  `gorm:"autoCreateTime:false" json:"createdAt"`
}

// Totals aggregates journal counts for the stats surface.
type Totals struct {
	RoomsCreated int64 `json:"roomsCreated"`
	RoomsClosed  int64 `json:"roomsClosed"`
	PeersJoined  int64 `json:"peersJoined"`
	Events       int64 `json:"events"`
}

// Config configures a Journal.
type Config struct {
	// Path is the sqlite database location; "file::memory:?cache=shared"
	// keeps the journal in memory.
	Path   string
	Logger *zap.Logger
	Clock  func() time.Time
}

// Journal persists room lifecycle events to sqlite. Writes are best effort:
// a failed insert is logged and the session continues.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, err
	}
	return &Journal{db: db, logger: cfg.Logger, clock: cfg.Clock}, nil
}

// RecordEvent appends one lifecycle event. Satisfies room.Recorder.
func (j *Journal) RecordEvent(roomID, userID, event string) {
	record := Event{
		RoomID:    roomID,
		UserID:    userID,
		Event:     event,
		CreatedAt: j.clock().UnixMilli(),
	}
	if err := j.db.Create(&record).Error; err != nil {
		j.logger.Warn("journal write failed",
			zap.String("room_id", roomID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// TotalCounts aggregates lifetime counters from the journal.
func (j *Journal) TotalCounts() (Totals, error) {
	var totals Totals
	counts := []struct {
		event  string
		target *int64
	}{
		{"room-created", &totals.RoomsCreated},
		{"room-closed", &totals.RoomsClosed},
		{"peer-joined", &totals.PeersJoined},
	}
	for _, c := range counts {
		if err := j.db.Model(&Event{}).Where("event = ?", c.event).Count(c.target).Error; err != nil {
			return Totals{}, err
		}
	}
	if err := j.db.Model(&Event{}).Count(&totals.Events).Error; err != nil {
		return Totals{}, err
	}
	return totals, nil
}

// Recent returns the latest events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	err := j.db.Order("id desc").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// RoomHistory returns every event for one room in insertion order.
func (j *Journal) RoomHistory(roomID string) ([]Event, error) {
	var events []Event
	err := j.db.Where("room_id = ?", roomID).Order("id asc").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
