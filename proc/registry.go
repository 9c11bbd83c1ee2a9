package proc

import "sync"

// Registry is the process-wide task table (spec 3 "global task map"):
// id-to-task lookup plus the monotonic id counter used to name new tasks.
type Registry struct {
	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
	onKill []func(*Task)
}

// NewRegistry creates an empty task table.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[uint64]*Task)}
}

// CreateTask allocates a task id, builds an uninitialized Task of the
// given kind, and inserts it into the registry.
func (r *Registry) CreateTask(kind Kind) *Task {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	t := &Task{
		ID:         id,
		Status:     StatusUninit,
		Kind:       kind,
		OwnedPorts: make(map[uint64]bool),
		TaskGroups: make(map[uint64]bool),
	}
	r.tasks[id] = t
	r.mu.Unlock()
	return t
}

// Lookup finds a task by id.
func (r *Registry) Lookup(id uint64) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Remove deletes a task from the registry, normally called once it has
// fully transitioned to StatusDead and all of its resources are released.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// OnKill registers fn to run, in registration order, whenever Kill tears a
// task down. Package taskgroup uses this to drop a killed task's group
// memberships and fire their removal notifications, without proc needing
// to import taskgroup (mirrors ipc.Manager.OnDestroy's port-side hook).
func (r *Registry) OnKill(fn func(*Task)) {
	r.mu.Lock()
	r.onKill = append(r.onKill, fn)
	r.mu.Unlock()
}

func (r *Registry) fireKillHooks(t *Task) {
	r.mu.Lock()
	hooks := r.onKill
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(t)
	}
}

// All returns a snapshot of every live task, used by klog diagnostics and
// tests.
func (r *Registry) All() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// Count reports the number of live tasks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
