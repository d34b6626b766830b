// Package task implements the Task data model: the semantically richer
// event variant the agent loop operates on.
package task

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Metadata carries the importance/token-count annotations the memory tiers
// consume when deciding promotion and eviction.
type Metadata struct {
	// Importance is in [0,1]; used as the L2 eviction key.
	Importance float64

	// TokenCount is derived (not author-supplied) from the tokenizer.
	TokenCount int
}

// Task is a unit of work addressed to an agent.
type Task struct {
	mu sync.RWMutex

	ID             string
	SourceAgent    string
	TargetAgent    string
	ParentTaskID   string
	SessionID      string
	Action         string
	Parameters     map[string]any
	Result         map[string]any
	status         Status
	Error          string
	Metadata       Metadata
	CreatedAt      time.Time
}

// New creates a pending task addressed to targetAgent.
func New(targetAgent, action string, params map[string]any) *Task {
	if params == nil {
		params = map[string]any{}
	}
	return &Task{
		ID:         uuid.New().String(),
		TargetAgent: targetAgent,
		Action:     action,
		Parameters: params,
		status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// Status returns the task's current status (thread-safe).
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus transitions the task to state s. Transitions out of a terminal
// state are rejected (returns false) to keep terminal
// statuses final.
func (t *Task) SetStatus(s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = s
	return true
}

// Complete marks the task completed with the given result.
func (t *Task) Complete(result map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StatusCompleted
	t.Result = result
	return true
}

// Fail marks the task failed with the given error message. Memory is never
// rolled back by this call; the partial L1 state survives a failure for
// debugging.
func (t *Task) Fail(errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StatusFailed
	t.Error = errMsg
	return true
}

// Cancel marks the task cancelled.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return false
	}
	t.status = StatusCancelled
	return true
}

// Service manages Task lifecycle. A single process-wide InMemoryService
// satisfies this for the core; tasks do not persist across restarts, so no
// other backing store is required.
type Service interface {
	Create(targetAgent, action string, params map[string]any) *Task
	Get(id string) (*Task, bool)
	Update(t *Task) error
	List(sessionID string) []*Task
}

// InMemoryService is the default Service implementation.
type InMemoryService struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewInMemoryService creates an empty task service.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{tasks: make(map[string]*Task)}
}

// Create builds and registers a new pending task.
func (s *InMemoryService) Create(targetAgent, action string, params map[string]any) *Task {
	t := New(targetAgent, action, params)
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t
}

// Get retrieves a task by ID.
func (s *InMemoryService) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Update registers t (a no-op beyond ensuring it is tracked, since Task's own
// fields are already mutated in place through its methods).
func (s *InMemoryService) Update(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = t
	return nil
}

// List returns every task belonging to sessionID.
func (s *InMemoryService) List(sessionID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// Error is a structured task-related error carrying a stable code and a
// short fix hint alongside the message.
type Error struct {
	Code        string
	Message     string
	SuggestedFix string
}

func (e *Error) Error() string { return e.Message }

// ErrNotFound is returned when a task ID is unknown to the Service.
var ErrNotFound = &Error{Code: "task_not_found", Message: "task not found", SuggestedFix: "verify the task ID or re-create the task"}
