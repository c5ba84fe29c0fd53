package trans

import (
	"sync"

	"github.com/outofforest/mass"

	"github.com/outofforest/cowtree/types"
)

// Flags defines transaction flags.
type Flags uint64

// Transaction flags.
const (
	// Flush marks transaction running the flush. Flushes are serialized.
	Flush Flags = 1 << iota

	// BufCache marks transaction issued by buffer cache. It never blocks.
	BufCache

	// NewInode requests inode number to be reserved for the transaction.
	NewInode
)

// Transaction represents running transaction.
type Transaction struct {
	// SyncTID is the transaction ID visible in tree metadata.
	SyncTID types.TID

	// RealTID is the transaction ID reserved for the transaction. Flush allocates from the freemap at RealTID + 1.
	RealTID types.TID

	// InodeTID is the reserved inode number if NewInode flag was set.
	InodeTID types.TID

	Flags Flags

	blocked bool
	wakeCh  chan struct{}
	prev    *Transaction
	next    *Transaction
}

// IsFlush returns true if transaction runs the flush.
func (t *Transaction) IsFlush() bool {
	return t.Flags&Flush != 0
}

// AllocTID returns transaction ID used for freemap allocations made by this transaction.
func (t *Transaction) AllocTID() types.TID {
	if t.IsFlush() {
		return t.RealTID + 1
	}
	return t.SyncTID
}

// NewManager creates new transaction manager.
func NewManager(allocTID, inodeTID types.TID) *Manager {
	if allocTID == 0 {
		allocTID = 1
	}
	return &Manager{
		massTx:   mass.New[Transaction](64),
		allocTID: allocTID,
		inodeTID: inodeTID,
	}
}

// Manager issues transaction IDs and orders flush and non-flush transactions.
type Manager struct {
	mu         sync.Mutex
	massTx     *mass.Mass[Transaction]
	free       *Transaction
	head, tail *Transaction
	allocTID   types.TID
	inodeTID   types.TID
	flushCount uint64
}

// Begin starts new transaction. It blocks until transaction is allowed to run.
func (m *Manager) Begin(flags Flags) *Transaction {
	m.mu.Lock()

	tx := m.newTransaction()
	tx.Flags = flags

	switch {
	case flags&Flush != 0:
		// Flush reserves two IDs. The second one is used by freemap allocations done by the flush itself,
		// so freemap topology stays one transaction behind the data it describes.
		m.flushCount++
		m.allocTID++
		tx.SyncTID = m.allocTID
		tx.RealTID = tx.SyncTID
		m.allocTID++
		m.pushBack(tx)
		if m.head != tx {
			tx.blocked = true
		}
	case m.flushCount == 0:
		m.pushBack(tx)
		tx.SyncTID = m.allocTID
		tx.RealTID = tx.SyncTID
	default:
		// Insert after the first pending flush. Transactions queued behind it run concurrently with it.
		flush := m.head
		for flush.Flags&Flush == 0 {
			flush = flush.next
		}
		m.insertAfter(flush, tx)
		tx.SyncTID = flush.RealTID + 1
		tx.RealTID = tx.SyncTID

		if flags&BufCache == 0 && m.head != flush {
			tx.blocked = true
		}
	}

	if flags&NewInode != 0 {
		tx.InodeTID = m.inodeTID
		m.inodeTID++
	}

	wakeCh := tx.wakeCh
	blocked := tx.blocked
	m.mu.Unlock()

	if blocked {
		<-wakeCh
	}
	return tx
}

// End finishes transaction and unblocks the new queue head together with non-flush transactions following it.
// Transaction must not be used after calling End.
func (m *Manager) End(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(tx)
	if tx.Flags&Flush != 0 {
		m.flushCount--
	}

	if head := m.head; head != nil && head.blocked {
		m.wake(head)
		for scan := head.next; scan != nil && scan.Flags&Flush == 0; scan = scan.next {
			if scan.blocked {
				m.wake(scan)
			}
		}
	}

	m.release(tx)
}

// AllocTID returns the next transaction ID to be assigned.
func (m *Manager) AllocTID() types.TID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocTID
}

// InodeTID returns the next inode number to be reserved.
func (m *Manager) InodeTID() types.TID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.inodeTID
}

// Pending returns the number of transactions in the queue.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for tx := m.head; tx != nil; tx = tx.next {
		n++
	}
	return n
}

func (m *Manager) newTransaction() *Transaction {
	tx := m.free
	if tx != nil {
		m.free = tx.next
		*tx = Transaction{}
	} else {
		tx = m.massTx.New()
	}
	tx.wakeCh = make(chan struct{})
	return tx
}

func (m *Manager) release(tx *Transaction) {
	*tx = Transaction{next: m.free}
	m.free = tx
}

func (m *Manager) wake(tx *Transaction) {
	tx.blocked = false
	close(tx.wakeCh)
}

func (m *Manager) pushBack(tx *Transaction) {
	tx.prev = m.tail
	tx.next = nil
	if m.tail != nil {
		m.tail.next = tx
	} else {
		m.head = tx
	}
	m.tail = tx
}

func (m *Manager) insertAfter(after, tx *Transaction) {
	tx.prev = after
	tx.next = after.next
	if after.next != nil {
		after.next.prev = tx
	} else {
		m.tail = tx
	}
	after.next = tx
}

func (m *Manager) remove(tx *Transaction) {
	if tx.prev != nil {
		tx.prev.next = tx.next
	} else {
		m.head = tx.next
	}
	if tx.next != nil {
		tx.next.prev = tx.prev
	} else {
		m.tail = tx.prev
	}
	tx.prev = nil
	tx.next = nil
}
