package memory

import (
	"context"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
)

func (mb *memoryBackend) GetAction(ctx context.Context, key core.ActionKey) (*core.ActionRecord, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r, ok := mb.actions[key]
	if !ok {
		return nil, backend.ErrActionNotFound
	}

	c := *r
	c.Result = copyBytes(r.Result)

	return &c, nil
}

func (mb *memoryBackend) RecordAction(ctx context.Context, record *core.ActionRecord) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := mb.options.Clock.Now()

	r := *record
	r.Result = copyBytes(record.Result)
	r.UpdatedAt = now
	r.CreatedAt = now

	if existing, ok := mb.actions[record.ActionKey]; ok {
		if existing.Status == core.ActionStatusApplied {
			return backend.ErrActionAlreadyApplied
		}

		r.CreatedAt = existing.CreatedAt
	}

	mb.actions[record.ActionKey] = &r

	return nil
}

func (mb *memoryBackend) removeActions(businessID string) {
	for key := range mb.actions {
		if key.BusinessID == businessID {
			delete(mb.actions, key)
		}
	}
}
