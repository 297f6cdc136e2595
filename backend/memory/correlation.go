package memory

import (
	"context"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
)

func (mb *memoryBackend) RegisterCorrelation(ctx context.Context, businessID, instanceID string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	existing, ok := mb.correlations[businessID]
	if ok && !existing.Terminal() {
		return backend.ErrDuplicateBusinessID
	}

	if owner, ok := mb.byInstance[instanceID]; ok && owner != businessID {
		return backend.ErrInstanceAlreadyExists
	}

	if ok {
		// The new unit of work owns the action key space of the business id
		delete(mb.byInstance, existing.InstanceID)
		mb.removeActions(businessID)
	}

	now := mb.options.Clock.Now()
	mb.correlations[businessID] = &core.CorrelationRecord{
		BusinessID: businessID,
		InstanceID: instanceID,
		Status:     core.WorkflowInstanceStatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	mb.byInstance[instanceID] = businessID

	return nil
}

func (mb *memoryBackend) AttachChannelMessage(ctx context.Context, businessID, instanceID, channelMessageID string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r, err := mb.correlation(businessID, instanceID)
	if err != nil {
		return err
	}

	if r.Terminal() {
		return backend.ErrInstanceTerminal
	}

	r.ChannelMessageID = channelMessageID
	r.UpdatedAt = mb.options.Clock.Now()

	return nil
}

func (mb *memoryBackend) ResolveCorrelation(ctx context.Context, businessID string) (*core.CorrelationRecord, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r, ok := mb.correlations[businessID]
	if !ok {
		return nil, backend.ErrCorrelationNotFound
	}

	c := *r
	if r.TerminalAt != nil {
		t := *r.TerminalAt
		c.TerminalAt = &t
	}

	return &c, nil
}

func (mb *memoryBackend) MarkCorrelation(ctx context.Context, businessID, instanceID string, status core.WorkflowInstanceStatus) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	r, err := mb.correlation(businessID, instanceID)
	if err != nil {
		return err
	}

	if r.Terminal() {
		if r.Status == status {
			return nil
		}

		return backend.ErrInstanceTerminal
	}

	if status == core.WorkflowInstanceStatusPaused && r.ChannelMessageID == "" {
		return backend.ErrChannelMessageMissing
	}

	now := mb.options.Clock.Now()
	r.Status = status
	r.UpdatedAt = now
	if status.Terminal() {
		r.TerminalAt = &now
	}

	return nil
}

func (mb *memoryBackend) RemoveCorrelations(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	removed := 0
	for businessID, r := range mb.correlations {
		if !r.Terminal() || r.TerminalAt == nil {
			continue
		}

		if !ro.FinishedBefore.IsZero() && !r.TerminalAt.Before(ro.FinishedBefore) {
			continue
		}

		delete(mb.correlations, businessID)
		delete(mb.byInstance, r.InstanceID)
		mb.removeActions(businessID)
		removed++
	}

	return removed, nil
}

func (mb *memoryBackend) correlation(businessID, instanceID string) (*core.CorrelationRecord, error) {
	r, ok := mb.correlations[businessID]
	if !ok {
		return nil, backend.ErrCorrelationNotFound
	}

	if r.InstanceID != instanceID {
		return nil, backend.ErrCorrelationMismatch
	}

	return r, nil
}
