package workflows

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/donna/pkg/models"
)

// MemoryStore is an in-memory workflow Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

// NewMemoryStore creates an empty workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: map[string]*models.Workflow{}}
}

func (m *MemoryStore) Create(ctx context.Context, workflow *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *workflow
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.workflows[clone.ID] = &clone
	workflow.ID = clone.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workflow, ok := m.workflows[id]
	if !ok {
		return nil, nil
	}
	clone := *workflow
	return &clone, nil
}

func (m *MemoryStore) Update(ctx context.Context, workflow *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[workflow.ID]; !ok {
		return ErrNotFound
	}
	clone := *workflow
	m.workflows[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) List(ctx context.Context, triggerType models.TriggerType, includeArchived bool) ([]*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Workflow
	for _, workflow := range m.workflows {
		if triggerType != "" && workflow.TriggerType != triggerType {
			continue
		}
		if !includeArchived && workflow.Status == models.WorkflowArchived {
			continue
		}
		clone := *workflow
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListByEvent(ctx context.Context, plugin, action string) ([]*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Workflow
	for _, workflow := range m.workflows {
		if workflow.TriggerType != models.TriggerWebhook || workflow.Status != models.WorkflowActive {
			continue
		}
		if workflow.EventPlugin != plugin || workflow.EventAction != action {
			continue
		}
		clone := *workflow
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	return nil
}

// MemoryExecutionStore is an in-memory ExecutionStore.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*models.Execution
}

// NewMemoryExecutionStore creates an empty execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: map[string]*models.Execution{}}
}

func (m *MemoryExecutionStore) Create(ctx context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *exec
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.execs[clone.ID] = &clone
	exec.ID = clone.ID
	return nil
}

func (m *MemoryExecutionStore) Update(ctx context.Context, exec *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.execs[exec.ID]; !ok {
		return ErrNotFound
	}
	clone := *exec
	m.execs[clone.ID] = &clone
	return nil
}

func (m *MemoryExecutionStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Execution
	for _, exec := range m.execs {
		if exec.WorkflowID != workflowID {
			continue
		}
		clone := *exec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
