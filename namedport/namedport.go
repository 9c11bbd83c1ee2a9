// Package namedport implements named-port registration and rendezvous
// (spec 4.G): a process-wide name-to-port map with blocking and one-shot
// lookup, and a pending-action queue drained once a name resolves.
package namedport

import (
	"encoding/binary"
	"sync"

	"microkernel/hashtable"
	"microkernel/ipc"
	"microkernel/kerr"
)

// kernelNamedPortNotification is the wire type tag for
// Kernel_Named_Port_Notification{type, port_num, name[]} (spec 6).
const kernelNamedPortNotification uint32 = 2

type pendingKind int

const (
	pendingNotifyTask pendingKind = iota
	pendingSendMessage
)

type pendingAction struct {
	kind      pendingKind
	taskID    uint64
	wake      chan struct{}
	replyPort *ipc.Port
}

// Descriptor binds a name to a port once resolved, queueing actions to
// run against the port as soon as it is (spec 3 "Named-port descriptor").
type Descriptor struct {
	mu      sync.Mutex
	Name    string
	Parent  *ipc.Port
	pending []pendingAction
}

// Resolved reports whether the descriptor currently has a parent port.
func (d *Descriptor) Resolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Parent != nil
}

// nameBuckets is the bucket count for the process-wide name table, sized
// like ipc.Manager's port table for the same striped-lock reason (spec 5
// lock level 2).
const nameBuckets = 32

// Manager owns the process-wide name -> Descriptor map, backed by a
// hashtable.Hashtable_t so a lookup for one name never contends with a
// NamePort/GetPortByName call against a different one.
type Manager struct {
	descs *hashtable.Hashtable_t[string, *Descriptor]
}

// NewManager creates an empty named-port table.
func NewManager() *Manager {
	return &Manager{descs: hashtable.MkHash[string, *Descriptor](nameBuckets, hashtable.FNVString)}
}

func (m *Manager) getOrCreate(name string) *Descriptor {
	d, _ := m.descs.GetOrCreate(name, func() *Descriptor { return &Descriptor{Name: name} })
	return d
}

// Lookup returns the descriptor for name without creating one.
func (m *Manager) Lookup(name string) (*Descriptor, bool) {
	return m.descs.Get(name)
}

// NamePort attaches port as name's parent (spec 4.G name_port), failing
// if a parent is already bound, and drains every pending action queued
// while the name was unresolved.
func (m *Manager) NamePort(port *ipc.Port, name string) kerr.Err_t {
	d := m.getOrCreate(name)
	d.mu.Lock()
	if d.Parent != nil {
		d.mu.Unlock()
		return kerr.ERROR_NAME_EXISTS
	}
	d.Parent = port
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, a := range pending {
		switch a.kind {
		case pendingNotifyTask:
			close(a.wake)
		case pendingSendMessage:
			a.replyPort.Send(notificationMessage(port, name))
		}
	}
	return kerr.SUCCESS
}

// GetPortByName resolves name to its port (spec 4.G get_port_by_name). If
// unresolved and noBlock is set, fails immediately; otherwise the caller
// is queued as a NotifyTask action and must block on wait, retrying the
// syscall once it fires.
func (m *Manager) GetPortByName(name string, taskID uint64, noBlock bool) (port *ipc.Port, wait <-chan struct{}, err kerr.Err_t) {
	d := m.getOrCreate(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Parent != nil {
		return d.Parent, nil, kerr.SUCCESS
	}
	if noBlock {
		return nil, nil, kerr.ERROR_PORT_DOESNT_EXIST
	}
	ch := make(chan struct{})
	d.pending = append(d.pending, pendingAction{kind: pendingNotifyTask, taskID: taskID, wake: ch})
	return nil, ch, kerr.SUCCESS
}

// RequestNamedPort resolves name like GetPortByName, but one-shot: if
// already resolved, posts a notification to replyPort immediately;
// otherwise queues a SendMessage action fired the moment the name
// resolves (spec 4.G request_named_port).
func (m *Manager) RequestNamedPort(name string, replyPort *ipc.Port) kerr.Err_t {
	d := m.getOrCreate(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Parent != nil {
		replyPort.Send(notificationMessage(d.Parent, name))
		return kerr.SUCCESS
	}
	d.pending = append(d.pending, pendingAction{kind: pendingSendMessage, replyPort: replyPort})
	return kerr.SUCCESS
}

func notificationMessage(port *ipc.Port, name string) ipc.Message {
	payload := make([]byte, 4+8+len(name))
	binary.LittleEndian.PutUint32(payload[0:4], kernelNamedPortNotification)
	binary.LittleEndian.PutUint64(payload[4:12], port.ID)
	copy(payload[12:], name)
	return ipc.Message{SenderTaskID: 0, ChannelTag: uint64(kernelNamedPortNotification), Payload: payload}
}
