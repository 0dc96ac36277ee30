package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/labelscan/internal/metrics"
	"github.com/JakeFAU/labelscan/internal/verify"
)

// ErrRegistryFull is returned by Register when the registry is at capacity.
var ErrRegistryFull = errors.New("task registry full")

// TaskState distinguishes waiting units from running ones.
type TaskState string

const (
	// TaskPending means the unit is scheduled but waiting for a slot.
	TaskPending TaskState = "pending"
	// TaskActive means the unit is running.
	TaskActive TaskState = "active"
)

// Task describes one live processing unit.
type Task struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id"`
	State        TaskState `json:"state"`
	RegisteredAt time.Time `json:"registered_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

type taskEntry struct {
	task   Task
	cancel context.CancelFunc
}

// Registry tracks live units. Completed units are pruned, so
// PendingCount()+ActiveCount() always equals spawned minus completed.
type Registry struct {
	ids   verify.IDGenerator
	clock verify.Clock
	limit int

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	pending int
	active  int
	// idle is closed whenever the registry becomes empty.
	idle chan struct{}
}

// NewRegistry builds a registry holding at most limit live tasks (0 means unbounded).
func NewRegistry(ids verify.IDGenerator, clock verify.Clock, limit int) *Registry {
	return &Registry{
		ids:   ids,
		clock: clock,
		limit: limit,
		tasks: make(map[string]*taskEntry),
		idle:  closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Register records a new pending unit and returns its handle. cancel, if
// non-nil, is invoked by CancelAll.
func (r *Registry) Register(productID string, cancel context.CancelFunc) (string, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.tasks) >= r.limit {
		return "", ErrRegistryFull
	}
	if len(r.tasks) == 0 {
		r.idle = make(chan struct{})
	}
	r.tasks[id] = &taskEntry{
		task: Task{
			ID:           id,
			ProductID:    productID,
			State:        TaskPending,
			RegisteredAt: r.now(),
		},
		cancel: cancel,
	}
	r.pending++
	r.publishLocked()
	return id, nil
}

// Start moves a pending unit to active.
func (r *Registry) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tasks[id]
	if !ok || entry.task.State != TaskPending {
		return
	}
	entry.task.State = TaskActive
	entry.task.StartedAt = r.now()
	r.pending--
	r.active++
	r.publishLocked()
}

// Done prunes a unit, whatever its state.
func (r *Registry) Done(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tasks[id]
	if !ok {
		return
	}
	if entry.task.State == TaskActive {
		r.active--
	} else {
		r.pending--
	}
	delete(r.tasks, id)
	if len(r.tasks) == 0 {
		close(r.idle)
	}
	r.publishLocked()
}

// ActiveCount returns the number of running units.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// PendingCount returns the number of scheduled units waiting for a slot.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Snapshot lists live tasks ordered by registration time.
func (r *Registry) Snapshot() []Task {
	r.mu.Lock()
	out := make([]Task, 0, len(r.tasks))
	for _, entry := range r.tasks {
		out = append(out, entry.task)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// CancelAll cancels every live unit. Units still report Done when they exit.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.tasks))
	for _, entry := range r.tasks {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Wait blocks until the registry is empty or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.tasks) == 0 {
			r.mu.Unlock()
			return nil
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("wait for tasks: %w", ctx.Err())
		}
	}
}

func (r *Registry) publishLocked() {
	metrics.SetTasks(r.active, r.pending)
}

func (r *Registry) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}
