package ot

import (
	"errors"
	"fmt"
)

var (
	errUnknownType      = errors.New("unknown operation type")
	errNegativePosition = errors.New("operation position must be non-negative")
	errNegativeLength   = errors.New("operation length must be non-negative")
	errMissingUserID    = errors.New("operation user id is required")
)

// Type discriminates edit operations. The set is closed: every switch over
// it handles both variants.
type Type string

const (
	TypeInsert Type = "insert"
	TypeDelete Type = "delete"
)

// Operation is a single text edit. For inserts Content carries the inserted
// text; for deletes Length carries the number of removed characters. The
// other field is ignored.
type Operation struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId"`
	Type      Type   `json:"type"`
	Position  int    `json:"position"`
	Content   string `json:"content,omitempty"`
	Length    int    `json:"length,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Version   int64  `json:"version"`
}

// Key identifies an operation across transformed copies. Transforms rewrite
// position and length, so identity is origin-based, never content-based.
type Key struct {
	UserID    string
	Timestamp int64
}

func (op Operation) Key() Key {
	return Key{UserID: op.UserID, Timestamp: op.Timestamp}
}

// Validate reports whether the operation is structurally sound.
func (op Operation) Validate() error {
	if op.UserID == "" {
		return errMissingUserID
	}
	if op.Position < 0 {
		return errNegativePosition
	}
	switch op.Type {
	case TypeInsert:
	case TypeDelete:
		if op.Length < 0 {
			return errNegativeLength
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownType, op.Type)
	}
	return nil
}

// Apply splices the operation into content. Positions are clamped to the
// document bounds and delete lengths are clamped to the remaining text, so a
// stale range never underflows.
func Apply(content string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return content, err
	}

	position := op.Position
	if position > len(content) {
		position = len(content)
	}

	switch op.Type {
	case TypeInsert:
		return content[:position] + op.Content + content[position:], nil
	case TypeDelete:
		end := position + op.Length
		if end > len(content) {
			end = len(content)
		}
		return content[:position] + content[end:], nil
	default:
		return content, fmt.Errorf("%w: %q", errUnknownType, op.Type)
	}
}
