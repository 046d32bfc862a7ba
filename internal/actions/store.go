package actions

import (
	"context"
	"errors"
	"time"
)

var ErrStoreClosed = errors.New("reminder store closed")

// Reminder is one saved reminder request from a caller.
type Reminder struct {
	ID        string
	CallID    string
	Text      string
	When      string
	CreatedAt time.Time
}

// Store persists reminders. Implementations must be safe for concurrent use
// by independent call sessions.
type Store interface {
	SaveReminder(ctx context.Context, r Reminder) error
	ListRecent(ctx context.Context, limit int) ([]Reminder, error)
	Close() error
}
