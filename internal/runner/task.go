package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Task is a job the runner executes on a cron schedule.
type Task interface {
	Name() string

	// Schedule is a cron expression with a seconds field, or a descriptor
	// such as "@every 1m".
	Schedule() string

	Run(ctx context.Context) error

	// Timeout bounds a single run.
	Timeout() time.Duration
}

// TaskRegistry holds tasks by name. It is safe for concurrent use.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds task. Names must be unique.
func (r *TaskRegistry) Register(task Task) error {
	name := task.Name()
	if name == "" {
		return fmt.Errorf("task has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.tasks[name] = task
	return nil
}

func (r *TaskRegistry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	return task, ok
}

// All returns the registered tasks ordered by name.
func (r *TaskRegistry) All() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
