// Package ipc implements the port/message primitives of spec 4.F: ports,
// FIFO message queues, blocking and non-blocking receive, and the
// send/receive rendezvous tasks use to talk to each other.
package ipc

import (
	"sync"
	"sync/atomic"

	"microkernel/hashtable"
	"microkernel/kerr"
)

// Message is one entry in a port's queue (spec 3 "Message").
type Message struct {
	SenderTaskID uint64
	ChannelTag   uint64
	Payload      []byte
}

// GetInfoFlags controls GetMessageInfo's wait behavior.
type GetInfoFlags uint8

const (
	FlagNone    GetInfoFlags = 0
	FlagNoBlock GetInfoFlags = 1 << iota
)

// GetMessageFlags controls GetFirstMessage's pop-vs-peek behavior.
type GetMessageFlags uint8

const (
	FlagPop GetMessageFlags = 0
	FlagNoPop GetMessageFlags = 1 << iota
)

// Port is a FIFO message queue with a single owning task (spec 3 "Port").
// A blocked receiver is recorded so Send wakes only that receiver: Send
// queues the message and then closes the receiver's wake channel.
type Port struct {
	mu sync.Mutex

	ID      uint64
	OwnerID uint64
	closed  bool

	queue []Message

	blockedReceiver uint64 // task id of a blocked receiver, 0 if none
	wake            chan struct{}
}

func newPort(id, owner uint64) *Port {
	return &Port{ID: id, OwnerID: owner}
}

// Closed reports whether the port has been destroyed.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Send enqueues msg on the port (spec 4.F send_message). It never blocks
// the sender: messaging is asynchronous from the sender's perspective.
func (p *Port) Send(msg Message) kerr.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return kerr.ERROR_PORT_CLOSED
	}
	p.queue = append(p.queue, msg)
	if p.blockedReceiver != 0 && p.wake != nil {
		p.blockedReceiver = 0
		close(p.wake)
		p.wake = nil
	}
	return kerr.SUCCESS
}

// GetMessageInfo reports whether a message is waiting without consuming
// it, optionally registering the calling task as the blocked receiver
// (spec 4.F get_message_info). waitCh is non-nil only when the call must
// block: the caller should suspend the task and retry once it fires.
func (p *Port) GetMessageInfo(taskID uint64, flags GetInfoFlags) (hasMessage bool, waitCh <-chan struct{}, err kerr.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, nil, kerr.ERROR_PORT_CLOSED
	}
	if len(p.queue) > 0 {
		return true, nil, kerr.SUCCESS
	}
	if flags&FlagNoBlock != 0 {
		return false, nil, kerr.ERROR_NO_MESSAGES
	}
	if p.blockedReceiver != 0 && p.blockedReceiver != taskID {
		return false, nil, kerr.ERROR_ALREADY_BLOCKED
	}
	p.blockedReceiver = taskID
	if p.wake == nil {
		p.wake = make(chan struct{})
	}
	return false, p.wake, kerr.SUCCESS
}

// GetFirstMessage returns the oldest queued message, popping it unless
// FlagNoPop is set (spec 4.F get_first_message). Only the port's owner may
// receive on it (spec invariant 5); any other caller gets
// ERROR_NO_PERMISSION, matching the ground-truth's
// syscall_get_first_message check against current == port->owner.
func (p *Port) GetFirstMessage(taskID uint64, flags GetMessageFlags) (Message, kerr.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Message{}, kerr.ERROR_PORT_CLOSED
	}
	if taskID != p.OwnerID {
		return Message{}, kerr.ERROR_NO_PERMISSION
	}
	if len(p.queue) == 0 {
		return Message{}, kerr.ERROR_NO_MESSAGES
	}
	m := p.queue[0]
	if flags&FlagNoPop == 0 {
		p.queue = p.queue[1:]
	}
	return m, kerr.SUCCESS
}

// CancelWait clears taskID as this port's blocked receiver, if it is one
// (spec 4.E "cancellation of waits": killing a blocked task removes it
// from every wait set it is linked to).
func (p *Port) CancelWait(taskID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blockedReceiver == taskID {
		p.blockedReceiver = 0
		p.wake = nil
	}
}

// Depth reports the number of queued messages, used by klog diagnostics.
func (p *Port) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Port) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.wake != nil {
		close(p.wake)
		p.wake = nil
	}
	p.blockedReceiver = 0
}

// portBuckets is the bucket count for the global port table: fixed at
// creation per hashtable's design, sized for the port churn a handful of
// busy servers produce rather than the single-digit port counts most
// tasks actually hold.
const portBuckets = 64

// Manager owns every live port, independent of any particular task's
// ownership bookkeeping (which lives in proc.Task.OwnedPorts). The port
// table itself is a hashtable.Hashtable_t so lookups against different
// ports never contend on one global lock (spec 5 lock level 2: "global
// tables use a striped lock, not one mutex per table").
type Manager struct {
	ports  *hashtable.Hashtable_t[uint64, *Port]
	nextID uint64

	mu        sync.Mutex
	onDestroy []func(portID uint64)
}

func NewManager() *Manager {
	return &Manager{ports: hashtable.MkHash[uint64, *Port](portBuckets, hashtable.FNV1a64)}
}

// OnDestroy registers a callback invoked, in registration order, whenever
// a port is destroyed. Package taskgroup uses this to purge notifier
// registrations for a port that no longer exists, without ipc needing to
// import taskgroup (grounded on the original's friend Port::~Port()
// hook, expressed here as an explicit observer rather than a destructor).
func (m *Manager) OnDestroy(fn func(portID uint64)) {
	m.mu.Lock()
	m.onDestroy = append(m.onDestroy, fn)
	m.mu.Unlock()
}

// CreatePort allocates a new port owned by ownerID (spec 4.F create_port).
func (m *Manager) CreatePort(ownerID uint64) *Port {
	id := atomic.AddUint64(&m.nextID, 1)
	p := newPort(id, ownerID)
	m.ports.Set(id, p)
	return p
}

// Port looks up a port by id.
func (m *Manager) Port(id uint64) (*Port, bool) {
	return m.ports.Get(id)
}

// DestroyPort closes a port and removes it from the registry. Queued
// messages are dropped (spec 4.H "removed from the registry on destroy").
func (m *Manager) DestroyPort(id uint64) {
	p, ok := m.ports.Get(id)
	m.ports.Del(id)
	m.mu.Lock()
	hooks := m.onDestroy
	m.mu.Unlock()
	if ok {
		p.close()
	}
	for _, fn := range hooks {
		fn(id)
	}
}

// DestroyOwnedPort is DestroyPort with a signature proc.PortCloser can
// satisfy without importing the full Manager API.
func (m *Manager) DestroyOwnedPort(id uint64) { m.DestroyPort(id) }

// CancelWait removes taskID as portID's blocked receiver, if it is one.
// proc.Kill calls this for a killed task's recorded BlockedBy port so a
// dead task never lingers as a port's blockedReceiver (spec 4.E
// "cancellation of waits").
func (m *Manager) CancelWait(portID, taskID uint64) {
	if p, ok := m.Port(portID); ok {
		p.CancelWait(taskID)
	}
}

// Count reports the number of live ports, used by klog diagnostics.
func (m *Manager) Count() int {
	return m.ports.Len()
}
