package taskgroup

import (
	"encoding/binary"
	"testing"

	"microkernel/ipc"
	"microkernel/kerr"
	"microkernel/proc"
)

func TestAddRemoveTaskMembership(t *testing.T) {
	ports := ipc.NewManager()
	m := NewManager(ports)
	g := m.Create()

	reg := proc.NewRegistry()
	task := reg.CreateTask(proc.KindNormal)

	if err := g.AddTask(task); err != kerr.SUCCESS {
		t.Fatalf("AddTask: %v", err)
	}
	if !g.HasTask(task.ID) {
		t.Fatal("task should be a member")
	}
	if !task.TaskGroups[g.ID] {
		t.Fatal("task.TaskGroups should record membership")
	}

	if !g.RemoveTask(task.ID) {
		t.Fatal("RemoveTask should report the task was a member")
	}
	if g.HasTask(task.ID) {
		t.Fatal("task should no longer be a member")
	}
	if task.TaskGroups[g.ID] {
		t.Fatal("task.TaskGroups should no longer record membership")
	}
	if g.RemoveTask(task.ID) {
		t.Fatal("second RemoveTask should report false")
	}
}

func TestNotifierReceivesAddAndRemove(t *testing.T) {
	ports := ipc.NewManager()
	m := NewManager(ports)
	g := m.Create()

	reg := proc.NewRegistry()
	notifierTask := reg.CreateTask(proc.KindSystem)
	notifierPort := ports.CreatePort(notifierTask.ID)
	g.ChangeNotifierMask(notifierPort, ActionAll)

	task := reg.CreateTask(proc.KindNormal)
	g.AddTask(task)
	if notifierPort.Depth() != 1 {
		t.Fatalf("expected one notification after add, got depth %d", notifierPort.Depth())
	}
	msg, err := notifierPort.GetFirstMessage(notifierTask.ID, ipc.FlagPop)
	if err != kerr.SUCCESS {
		t.Fatalf("GetFirstMessage: %v", err)
	}
	if got := binary.LittleEndian.Uint64(msg.Payload[4:12]); got != ActionOnAddTask {
		t.Fatalf("expected ActionOnAddTask, got %#x", got)
	}

	g.RemoveTask(task.ID)
	msg, err = notifierPort.GetFirstMessage(notifierTask.ID, ipc.FlagPop)
	if err != kerr.SUCCESS {
		t.Fatalf("GetFirstMessage after remove: %v", err)
	}
	if got := binary.LittleEndian.Uint64(msg.Payload[4:12]); got != ActionOnRemoveTask {
		t.Fatalf("expected ActionOnRemoveTask, got %#x", got)
	}
}

func TestNotifierMaskFiltersActions(t *testing.T) {
	ports := ipc.NewManager()
	m := NewManager(ports)
	g := m.Create()

	reg := proc.NewRegistry()
	notifierTask := reg.CreateTask(proc.KindSystem)
	notifierPort := ports.CreatePort(notifierTask.ID)
	g.ChangeNotifierMask(notifierPort, ActionOnRemoveTask)

	task := reg.CreateTask(proc.KindNormal)
	g.AddTask(task)
	if notifierPort.Depth() != 0 {
		t.Fatal("port not subscribed to add-task should not be notified")
	}
	g.RemoveTask(task.ID)
	if notifierPort.Depth() != 1 {
		t.Fatal("port subscribed to remove-task should be notified")
	}
}

func TestDestroyNotifiesAndDetachesMembers(t *testing.T) {
	ports := ipc.NewManager()
	m := NewManager(ports)
	g := m.Create()

	reg := proc.NewRegistry()
	notifierTask := reg.CreateTask(proc.KindSystem)
	notifierPort := ports.CreatePort(notifierTask.ID)
	g.ChangeNotifierMask(notifierPort, ActionOnDestroy)

	task := reg.CreateTask(proc.KindNormal)
	g.AddTask(task)

	m.Destroy(g)
	if task.TaskGroups[g.ID] {
		t.Fatal("member task should be detached on group destroy")
	}
	if notifierPort.Depth() != 1 {
		t.Fatal("destroy notification should have been posted")
	}
	if _, ok := m.Lookup(g.ID); ok {
		t.Fatal("destroyed group should no longer be registered")
	}
}

func TestDestroyedPortPurgedFromNotifiers(t *testing.T) {
	ports := ipc.NewManager()
	m := NewManager(ports)
	g := m.Create()

	reg := proc.NewRegistry()
	notifierTask := reg.CreateTask(proc.KindSystem)
	notifierPort := ports.CreatePort(notifierTask.ID)
	g.ChangeNotifierMask(notifierPort, ActionAll)

	ports.DestroyPort(notifierPort.ID)
	if g.NotifierMask(notifierPort.ID) != 0 {
		t.Fatal("notifier mask should be cleared after the port is destroyed")
	}

	// Further group activity must not panic trying to send through the
	// now-forgotten notifier.
	task := reg.CreateTask(proc.KindNormal)
	g.AddTask(task)
}

func TestChangeNotifierMaskReturnsOldMask(t *testing.T) {
	ports := ipc.NewManager()
	m := NewManager(ports)
	g := m.Create()

	reg := proc.NewRegistry()
	notifierTask := reg.CreateTask(proc.KindSystem)
	notifierPort := ports.CreatePort(notifierTask.ID)

	if old := g.ChangeNotifierMask(notifierPort, ActionOnAddTask); old != 0 {
		t.Fatalf("first registration should report old mask 0, got %#x", old)
	}
	if old := g.ChangeNotifierMask(notifierPort, ActionOnRemoveTask); old != ActionOnAddTask {
		t.Fatalf("old mask = %#x, want %#x", old, ActionOnAddTask)
	}
	if old := g.ChangeNotifierMask(notifierPort, 0); old != ActionOnRemoveTask {
		t.Fatalf("old mask before clear = %#x, want %#x", old, ActionOnRemoveTask)
	}
	if g.NotifierMask(notifierPort.ID) != 0 {
		t.Fatal("mask 0 should remove the notifier")
	}
}
