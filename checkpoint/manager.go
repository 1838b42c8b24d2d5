// Package checkpoint holds the per-vbucket checkpoint log the stream engine
// reads through named cursors, plus a persistent store for the checkpoint
// positions of registered clients.
package checkpoint

import (
	"errors"

	"github.com/maxpert/tapstream/common"
)

// PersistenceCursor is the cursor the flusher drains the log with
const PersistenceCursor = "persistence"

var (
	ErrOnlineUpdateRunning = errors.New("online update already running")
	ErrNoOnlineUpdate      = errors.New("no online update running")
)

// Manager owns one vbucket's ordered mutation log and the cursors reading it.
// All methods are safe for concurrent use; cursor registration and removal are
// atomic with respect to other connections on the same vbucket.
type Manager interface {
	// RegisterCursor places the named cursor at the start of checkpoint id.
	// When that checkpoint is no longer retained the cursor is placed at the
	// earliest retained checkpoint and false is returned.
	RegisterCursor(name string, id uint64, closedOnly bool) bool
	RemoveCursor(name string) bool
	CursorExists(name string) bool
	// CursorCheckpointID returns the checkpoint the named cursor is in, or 0
	CursorCheckpointID(name string) uint64

	// NextItem advances the cursor. The second result is true when the item
	// is the last mutation before a checkpoint end marker. A cursor at the
	// tail of the open checkpoint receives an OpEmpty item.
	NextItem(name string) (*common.QueuedItem, bool)
	// DecrCursorFromCheckpointEnd steps the cursor back onto a checkpoint
	// end marker it just returned.
	DecrCursorFromCheckpointEnd(name string)
	HasNext(name string) bool
	NumItemsForCursor(name string) int

	OpenCheckpointID() uint64
	SetOpenCheckpointID(id uint64)
	// CheckAndAddNewCheckpoint opens (or confirms) checkpoint id on a replica.
	// The second result reports whether the persistence cursor moved.
	CheckAndAddNewCheckpoint(id uint64) (bool, bool)
	CloseOpenCheckpoint(id uint64) bool
	// CheckOpenCheckpoint closes the open checkpoint when it is full (or when
	// forced and non-empty) and returns the open checkpoint id.
	CheckOpenCheckpoint(force bool) uint64

	StartOnlineUpdate() error
	StopOnlineUpdate() error
	RevertOnlineUpdate() ([]*common.QueuedItem, error)
}
