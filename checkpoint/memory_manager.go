package checkpoint

import (
	"sync"

	"github.com/maxpert/tapstream/common"
	"github.com/rs/zerolog/log"
)

// Options tunes a MemoryManager
type Options struct {
	// MaxItems is the mutation count at which CheckOpenCheckpoint closes the
	// open checkpoint
	MaxItems int
	// KeepClosed retains closed checkpoints after every cursor left them
	KeepClosed bool
}

type block struct {
	id     uint64
	closed bool
	// items[0] is the start marker; a closed block ends with the end marker
	items     []*common.QueuedItem
	mutations int
}

func (b *block) open() bool { return !b.closed }

type cursor struct {
	blk        *block
	offset     int
	closedOnly bool
}

// MemoryManager is an in-memory Manager
type MemoryManager struct {
	mu      sync.Mutex
	vbucket uint16
	opts    Options

	blocks  []*block
	cursors map[string]*cursor

	onlineUpdate     bool
	onlineUpdateMark int
}

// NewMemoryManager creates a manager whose open checkpoint is 1 and whose
// persistence cursor sits at its start.
func NewMemoryManager(vbucket uint16, opts Options) *MemoryManager {
	m := &MemoryManager{
		vbucket: vbucket,
		opts:    opts,
		cursors: make(map[string]*cursor),
	}
	m.blocks = []*block{m.newBlock(1)}
	m.cursors[PersistenceCursor] = &cursor{blk: m.blocks[0]}
	return m
}

func (m *MemoryManager) newBlock(id uint64) *block {
	return &block{
		id:    id,
		items: []*common.QueuedItem{m.marker(common.OpCheckpointStart, id)},
	}
}

func (m *MemoryManager) marker(op common.Operation, id uint64) *common.QueuedItem {
	return &common.QueuedItem{VBucket: m.vbucket, Op: op, Checkpoint: id}
}

func (m *MemoryManager) openBlock() *block {
	return m.blocks[len(m.blocks)-1]
}

func (m *MemoryManager) find(id uint64) *block {
	for _, b := range m.blocks {
		if b.id == id {
			return b
		}
	}
	return nil
}

func (m *MemoryManager) next(b *block) *block {
	for i, candidate := range m.blocks {
		if candidate == b && i+1 < len(m.blocks) {
			return m.blocks[i+1]
		}
	}
	return nil
}

// Queue appends a mutation or control marker to the open checkpoint
func (m *MemoryManager) Queue(qi *common.QueuedItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qi.VBucket = m.vbucket
	open := m.openBlock()
	qi.Checkpoint = open.id
	open.items = append(open.items, qi)
	if qi.Op.IsMutation() {
		open.mutations++
	}
}

// closeOpen seals the open checkpoint and starts nextID
func (m *MemoryManager) closeOpen(nextID uint64) {
	open := m.openBlock()
	open.items = append(open.items, m.marker(common.OpCheckpointEnd, open.id))
	open.closed = true
	m.blocks = append(m.blocks, m.newBlock(nextID))
	m.collapse()
}

// collapse drops closed checkpoints that no cursor can reach any more
func (m *MemoryManager) collapse() {
	if m.opts.KeepClosed {
		return
	}

	for len(m.blocks) > 1 && m.blocks[0].closed {
		head := m.blocks[0]
		for _, c := range m.cursors {
			if c.blk == head {
				return
			}
		}
		m.blocks = m.blocks[1:]
		log.Debug().
			Uint16("vbucket", m.vbucket).
			Uint64("checkpoint", head.id).
			Msg("Removed unreferenced closed checkpoint")
	}
}

func (m *MemoryManager) RegisterCursor(name string, id uint64, closedOnly bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b := m.find(id); b != nil {
		m.cursors[name] = &cursor{blk: b, closedOnly: closedOnly}
		m.collapse()
		return true
	}

	m.cursors[name] = &cursor{blk: m.blocks[0], closedOnly: closedOnly}
	return false
}

func (m *MemoryManager) RemoveCursor(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cursors[name]; !ok {
		return false
	}
	delete(m.cursors, name)
	m.collapse()
	return true
}

func (m *MemoryManager) CursorExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cursors[name]
	return ok
}

func (m *MemoryManager) CursorCheckpointID(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cursors[name]; ok {
		return c.blk.id
	}
	return 0
}

func (m *MemoryManager) NextItem(name string) (*common.QueuedItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cursors[name]
	if !ok {
		return m.marker(common.OpEmpty, 0), false
	}

	for {
		b := c.blk
		if b.open() && c.closedOnly {
			return m.marker(common.OpEmpty, b.id), false
		}

		if c.offset < len(b.items) {
			qi := b.items[c.offset]
			c.offset++
			last := b.closed && qi.Op.IsMutation() && c.offset == len(b.items)-1
			return qi, last
		}

		nb := m.next(b)
		if nb == nil {
			return m.marker(common.OpEmpty, b.id), false
		}
		c.blk = nb
		c.offset = 0
		m.collapse()
	}
}

func (m *MemoryManager) DecrCursorFromCheckpointEnd(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cursors[name]
	if !ok || c.offset == 0 {
		return
	}
	if c.blk.items[c.offset-1].Op == common.OpCheckpointEnd {
		c.offset--
	}
}

func (m *MemoryManager) HasNext(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cursors[name]
	if !ok {
		return false
	}
	if c.blk.open() && c.closedOnly {
		return false
	}
	if c.offset < len(c.blk.items) {
		return true
	}
	nb := m.next(c.blk)
	return nb != nil && !(nb.open() && c.closedOnly)
}

func (m *MemoryManager) NumItemsForCursor(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cursors[name]
	if !ok {
		return 0
	}

	n := 0
	offset := c.offset
	for b := c.blk; b != nil; b = m.next(b) {
		if b.open() && c.closedOnly {
			break
		}
		for _, qi := range b.items[min(offset, len(b.items)):] {
			if qi.Op.IsMutation() {
				n++
			}
		}
		offset = 0
	}
	return n
}

func (m *MemoryManager) OpenCheckpointID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openBlock().id
}

func (m *MemoryManager) SetOpenCheckpointID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openBlock()
	open.id = id
	open.items[0].Checkpoint = id
}

func (m *MemoryManager) CheckAndAddNewCheckpoint(id uint64) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openBlock()
	switch {
	case id == open.id:
		return true, false
	case id < open.id:
		return false, false
	case open.mutations == 0:
		// Nothing was written into the open checkpoint: renumber it in place
		open.id = id
		open.items[0].Checkpoint = id
		p, ok := m.cursors[PersistenceCursor]
		repositioned := ok && p.blk == open
		if repositioned {
			p.offset = 0
		}
		return true, repositioned
	default:
		m.closeOpen(id)
		return true, false
	}
}

func (m *MemoryManager) CloseOpenCheckpoint(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openBlock()
	if open.id != id {
		return false
	}
	m.closeOpen(id + 1)
	return true
}

func (m *MemoryManager) CheckOpenCheckpoint(force bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openBlock()
	if m.onlineUpdate || open.mutations == 0 {
		return open.id
	}
	if force || (m.opts.MaxItems > 0 && open.mutations >= m.opts.MaxItems) {
		m.closeOpen(open.id + 1)
	}
	return m.openBlock().id
}

func (m *MemoryManager) StartOnlineUpdate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.onlineUpdate {
		return ErrOnlineUpdateRunning
	}
	open := m.openBlock()
	open.items = append(open.items, m.marker(common.OpOnlineUpdateStart, open.id))
	m.onlineUpdate = true
	m.onlineUpdateMark = len(open.items)
	return nil
}

func (m *MemoryManager) StopOnlineUpdate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.onlineUpdate {
		return ErrNoOnlineUpdate
	}
	open := m.openBlock()
	open.items = append(open.items, m.marker(common.OpOnlineUpdateEnd, open.id))
	m.onlineUpdate = false
	return nil
}

// RevertOnlineUpdate discards the mutations queued since StartOnlineUpdate
// and returns them so the storage engine can restore the previous values.
func (m *MemoryManager) RevertOnlineUpdate() ([]*common.QueuedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.onlineUpdate {
		return nil, ErrNoOnlineUpdate
	}

	open := m.openBlock()
	reverted := append([]*common.QueuedItem(nil), open.items[m.onlineUpdateMark:]...)
	open.items = open.items[:m.onlineUpdateMark]
	for _, qi := range reverted {
		if qi.Op.IsMutation() {
			open.mutations--
		}
	}
	for _, c := range m.cursors {
		if c.blk == open && c.offset > m.onlineUpdateMark {
			c.offset = m.onlineUpdateMark
		}
	}

	open.items = append(open.items, m.marker(common.OpOnlineUpdateRevert, open.id))
	m.onlineUpdate = false
	return reverted, nil
}

// NumCheckpoints returns the number of retained checkpoints
func (m *MemoryManager) NumCheckpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// Reset drops every checkpoint and cursor except persistence and starts over
// at checkpoint 1.
func (m *MemoryManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = []*block{m.newBlock(1)}
	m.cursors = map[string]*cursor{PersistenceCursor: {blk: m.blocks[0]}}
	m.onlineUpdate = false
	m.onlineUpdateMark = 0
}

// InOnlineUpdate reports whether an online update is running
func (m *MemoryManager) InOnlineUpdate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onlineUpdate
}
