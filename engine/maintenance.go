package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/log"
	"github.com/cschleiden/go-triage/metrics"
)

// SweepStalePaused returns instances that have been paused for longer than horizon. Stale instances
// are reported, they are never cancelled.
func (e *Engine[S]) SweepStalePaused(ctx context.Context, horizon time.Duration) ([]*core.WorkflowInstance, error) {
	now := e.backend.Options().Clock.Now()

	instances, err := e.backend.ListWorkflowInstances(ctx, backend.InstanceFilter{
		Status:        core.WorkflowInstanceStatusPaused,
		UpdatedBefore: now.Add(-horizon),
	})
	if err != nil {
		return nil, fmt.Errorf("listing paused workflow instances: %w", err)
	}

	for _, i := range instances {
		e.logger.WarnContext(ctx, "Workflow instance is waiting for a decision",
			log.WorkflowIDKey, i.InstanceID,
			log.BusinessIDKey, i.BusinessID,
			log.NodeIDKey, i.CurrentNode,
			log.PausedSinceKey, i.UpdatedAt,
		)
	}

	if len(instances) > 0 {
		e.metrics.Counter(metrickeys.WorkflowInstanceStale, metrics.Tags{}, int64(len(instances)))
	}

	return instances, nil
}

// RemoveExpired removes terminal instances, their correlation and action records once the retention
// period has passed. Returns the number of removed instances.
func (e *Engine[S]) RemoveExpired(ctx context.Context) (int, error) {
	if e.options.RetentionPeriod <= 0 {
		return 0, nil
	}

	before := e.backend.Options().Clock.Now().Add(-e.options.RetentionPeriod)

	removed, err := e.backend.RemoveWorkflowInstances(ctx, backend.RemoveFinishedBefore(before))
	if err != nil {
		return 0, fmt.Errorf("removing workflow instances: %w", err)
	}

	if _, err := e.backend.RemoveCorrelations(ctx, backend.RemoveFinishedBefore(before)); err != nil {
		return removed, fmt.Errorf("removing correlations: %w", err)
	}

	if removed > 0 {
		e.logger.InfoContext(ctx, "Removed expired workflow instances", "count", removed)
		e.metrics.Counter(metrickeys.WorkflowInstanceRemoved, metrics.Tags{}, int64(removed))
	}

	return removed, nil
}
