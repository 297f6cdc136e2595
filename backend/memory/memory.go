package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
)

// NewMemoryBackend returns a backend that keeps all state in process memory. All operations are
// serialized by a single lock which makes every check-then-write atomic.
func NewMemoryBackend(opts ...backend.BackendOption) *memoryBackend {
	options := backend.ApplyOptions(opts...)

	return &memoryBackend{
		options:      &options,
		instances:    make(map[string]*core.WorkflowInstance),
		checkpoints:  make(map[string][]*core.Checkpoint),
		correlations: make(map[string]*core.CorrelationRecord),
		byInstance:   make(map[string]string),
		actions:      make(map[core.ActionKey]*core.ActionRecord),
	}
}

type memoryBackend struct {
	options *backend.Options

	mu           sync.Mutex
	instances    map[string]*core.WorkflowInstance
	checkpoints  map[string][]*core.Checkpoint
	correlations map[string]*core.CorrelationRecord
	// instance id -> business id
	byInstance map[string]string
	actions    map[core.ActionKey]*core.ActionRecord
}

var _ backend.Backend = (*memoryBackend)(nil)

func (mb *memoryBackend) Options() *backend.Options {
	return mb.options
}

func (mb *memoryBackend) Close() error {
	return nil
}

func (mb *memoryBackend) CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.instances[instance.InstanceID]; ok {
		return backend.ErrInstanceAlreadyExists
	}

	now := mb.options.Clock.Now()

	i := copyInstance(instance)
	i.Sequence = 0
	i.CreatedAt = now
	i.UpdatedAt = now
	if i.Status == "" {
		i.Status = core.WorkflowInstanceStatusRunning
	}

	mb.instances[i.InstanceID] = i

	return nil
}

func (mb *memoryBackend) SaveCheckpoint(ctx context.Context, update *backend.CheckpointUpdate) (int64, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	i, ok := mb.instances[update.InstanceID]
	if !ok {
		return 0, backend.ErrInstanceNotFound
	}

	if i.Status.Terminal() {
		return 0, backend.ErrInstanceTerminal
	}

	if i.Sequence != update.ExpectedSequence {
		return 0, backend.ErrSequenceConflict
	}

	now := mb.options.Clock.Now()
	seq := i.Sequence + 1

	mb.checkpoints[i.InstanceID] = append(mb.checkpoints[i.InstanceID], &core.Checkpoint{
		InstanceID: i.InstanceID,
		NodeID:     update.NodeID,
		Status:     update.Status,
		State:      copyBytes(update.State),
		Sequence:   seq,
		CreatedAt:  now,
	})

	i.Sequence = seq
	i.CurrentNode = update.NodeID
	i.Status = update.Status
	i.State = copyBytes(update.State)
	i.Error = update.Error
	i.UpdatedAt = now
	if update.Status.Terminal() {
		i.CompletedAt = &now
	}

	return seq, nil
}

func (mb *memoryBackend) LoadCheckpoint(ctx context.Context, instanceID string) (*core.Checkpoint, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.instances[instanceID]; !ok {
		return nil, backend.ErrInstanceNotFound
	}

	cps := mb.checkpoints[instanceID]
	if len(cps) == 0 {
		return nil, backend.ErrCheckpointNotFound
	}

	cp := *cps[len(cps)-1]
	cp.State = copyBytes(cp.State)

	return &cp, nil
}

func (mb *memoryBackend) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	i, ok := mb.instances[instanceID]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}

	return copyInstance(i), nil
}

func (mb *memoryBackend) ListWorkflowInstances(ctx context.Context, filter backend.InstanceFilter) ([]*core.WorkflowInstance, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r := make([]*core.WorkflowInstance, 0)
	for _, i := range mb.instances {
		if filter.Status != "" && i.Status != filter.Status {
			continue
		}

		if !filter.UpdatedBefore.IsZero() && !i.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}

		r = append(r, copyInstance(i))
	}

	sort.Slice(r, func(a, b int) bool {
		if r[a].UpdatedAt.Equal(r[b].UpdatedAt) {
			return r[a].InstanceID < r[b].InstanceID
		}

		return r[a].UpdatedAt.Before(r[b].UpdatedAt)
	})

	if filter.Limit > 0 && len(r) > filter.Limit {
		r = r[:filter.Limit]
	}

	return r, nil
}

func (mb *memoryBackend) RemoveWorkflowInstances(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	removed := 0
	for id, i := range mb.instances {
		if !i.Status.Terminal() || i.CompletedAt == nil {
			continue
		}

		if !ro.FinishedBefore.IsZero() && !i.CompletedAt.Before(ro.FinishedBefore) {
			continue
		}

		delete(mb.instances, id)
		delete(mb.checkpoints, id)
		removed++
	}

	return removed, nil
}

func copyInstance(i *core.WorkflowInstance) *core.WorkflowInstance {
	c := *i
	c.State = copyBytes(i.State)
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}

	return &c
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	c := make([]byte, len(b))
	copy(c, b)
	return c
}
