// Package taskgroup implements task groups (spec 4.H): named collections
// of tasks with notifier ports that receive a message whenever a member
// is added, removed, or the group itself is destroyed.
package taskgroup

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"microkernel/ipc"
	"microkernel/kerr"
	"microkernel/proc"
)

// Action bits select which group events a notifier port is subscribed to
// (spec 4.H NotifierPort action mask).
const (
	ActionOnDestroy    uint64 = 0x01
	ActionOnRemoveTask uint64 = 0x02
	ActionOnAddTask    uint64 = 0x04
	ActionAll          uint64 = 0x07
)

// Wire type tags for the kernel-originated group notification messages
// (spec 6 message wire format): Kernel_Group_Destroyed{type,group_id} and
// Kernel_Group_Task_Changed{type,event_type,group_id,task_id}.
const (
	kernelGroupDestroyed   uint32 = 4
	kernelGroupTaskChanged uint32 = 5
)

type notifier struct {
	port *ipc.Port
	mask uint64
}

// Group is a named collection of tasks plus a set of notifier ports
// (spec 3 "Task group").
type Group struct {
	ID uint64

	mu        sync.Mutex
	members   map[uint64]*proc.Task
	notifiers map[uint64]notifier // keyed by port id
}

// Manager owns every live task group.
type Manager struct {
	mu     sync.Mutex
	groups map[uint64]*Group
	nextID uint64
}

// NewManager creates an empty task-group table and wires it to ports so
// that a destroyed port's notifier registrations are purged everywhere
// (spec 4.H "removed from the registry on destroy").
func NewManager(ports *ipc.Manager) *Manager {
	m := &Manager{groups: make(map[uint64]*Group)}
	ports.OnDestroy(m.purgePort)
	return m
}

// Create allocates a new, empty task group (spec 4.H create).
func (m *Manager) Create() *Group {
	id := atomic.AddUint64(&m.nextID, 1)
	g := &Group{
		ID:        id,
		members:   make(map[uint64]*proc.Task),
		notifiers: make(map[uint64]notifier),
	}
	m.mu.Lock()
	m.groups[id] = g
	m.mu.Unlock()
	return g
}

// Lookup finds a task group by id.
func (m *Manager) Lookup(id uint64) (*Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	return g, ok
}

// Destroy notifies every ACTION_MASK_ON_DESTROY-subscribed port, detaches
// every remaining member task, and removes the group from the registry.
func (m *Manager) Destroy(g *Group) {
	g.mu.Lock()
	g.notifyLocked(ActionOnDestroy, 0)
	for id, t := range g.members {
		t.Lock()
		delete(t.TaskGroups, g.ID)
		t.Unlock()
		delete(g.members, id)
	}
	g.mu.Unlock()

	m.mu.Lock()
	delete(m.groups, g.ID)
	m.mu.Unlock()
}

// RemoveTaskEverywhere removes t from every group it currently belongs to,
// firing ACTION_MASK_ON_REMOVE_TASK for each membership (spec 7: a task
// killed while blocked stays observable through task-group notifications
// rather than lingering as a strong reference in Group.members). Wired as
// proc.Registry's on-kill hook.
func (m *Manager) RemoveTaskEverywhere(t *proc.Task) {
	t.Lock()
	ids := make([]uint64, 0, len(t.TaskGroups))
	for id := range t.TaskGroups {
		ids = append(ids, id)
	}
	t.Unlock()

	for _, id := range ids {
		if g, ok := m.Lookup(id); ok {
			g.RemoveTask(t.ID)
		}
	}
}

func (m *Manager) purgePort(portID uint64) {
	m.mu.Lock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		delete(g.notifiers, portID)
		g.mu.Unlock()
	}
}

// HasTask reports whether id names a current member of the group (spec
// 4.H atomic_has_task).
func (g *Group) HasTask(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[id]
	return ok
}

// AddTask registers t with the group and posts ACTION_MASK_ON_ADD_TASK to
// every subscribed notifier (spec 4.H atomic_register_task).
func (g *Group) AddTask(t *proc.Task) kerr.Err_t {
	g.mu.Lock()
	if _, already := g.members[t.ID]; already {
		g.mu.Unlock()
		return kerr.SUCCESS
	}
	g.members[t.ID] = t
	g.notifyLocked(ActionOnAddTask, t.ID)
	g.mu.Unlock()

	t.Lock()
	if t.TaskGroups == nil {
		t.TaskGroups = make(map[uint64]bool)
	}
	t.TaskGroups[g.ID] = true
	t.Unlock()
	return kerr.SUCCESS
}

// RemoveTask removes the task with the given id from the group, posting
// ACTION_MASK_ON_REMOVE_TASK if it was a member (spec 4.H
// atomic_remove_task). Reports whether the task had been a member.
func (g *Group) RemoveTask(id uint64) bool {
	g.mu.Lock()
	t, ok := g.members[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.members, id)
	g.notifyLocked(ActionOnRemoveTask, id)
	g.mu.Unlock()

	t.Lock()
	delete(t.TaskGroups, g.ID)
	t.Unlock()
	return true
}

// ChangeNotifierMask sets port's subscription mask, returning the prior
// mask (0 if it was not previously registered). A mask of 0 removes the
// port from the notifier set (spec 4.H atomic_change_notifier_mask).
func (g *Group) ChangeNotifierMask(port *ipc.Port, mask uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.notifiers[port.ID].mask
	if mask == 0 {
		delete(g.notifiers, port.ID)
	} else {
		g.notifiers[port.ID] = notifier{port: port, mask: mask}
	}
	return old
}

// NotifierMask returns the current subscription mask for portID, or 0 if
// it is not registered (spec 4.H atomic_get_notifier_mask).
func (g *Group) NotifierMask(portID uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.notifiers[portID].mask
}

// MemberCount reports the current membership size, for diagnostics/tests.
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// notifyLocked posts a notification message to every port whose mask
// includes action. Must be called with g.mu held.
func (g *Group) notifyLocked(action, taskID uint64) {
	var payload []byte
	var tag uint32
	if action == ActionOnDestroy {
		tag = kernelGroupDestroyed
		payload = make([]byte, 4+8)
		binary.LittleEndian.PutUint64(payload[4:12], g.ID)
	} else {
		tag = kernelGroupTaskChanged
		payload = make([]byte, 4+8+8+8)
		binary.LittleEndian.PutUint64(payload[4:12], action)
		binary.LittleEndian.PutUint64(payload[12:20], g.ID)
		binary.LittleEndian.PutUint64(payload[20:28], taskID)
	}
	binary.LittleEndian.PutUint32(payload[0:4], tag)

	for _, n := range g.notifiers {
		if n.mask&action == 0 {
			continue
		}
		n.port.Send(ipc.Message{SenderTaskID: 0, ChannelTag: uint64(tag), Payload: payload})
	}
}
