package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/internal/metrickeys"
	"github.com/cschleiden/go-triage/internal/workflowerrors"
	"github.com/cschleiden/go-triage/metrics"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] - instance key
// KEYS[2] - instances-by-update key
// ARGV[1] - instance id
// ARGV[2] - business id
// ARGV[3] - graph
// ARGV[4] - status
// ARGV[5] - current node
// ARGV[6] - state
// ARGV[7] - current timestamp
var createInstanceCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end

	redis.call("HSET", KEYS[1],
		"id", ARGV[1],
		"business_id", ARGV[2],
		"graph", ARGV[3],
		"status", ARGV[4],
		"current_node", ARGV[5],
		"state", ARGV[6],
		"sequence", 0,
		"error", "",
		"created_at", ARGV[7],
		"updated_at", ARGV[7])
	redis.call("ZADD", KEYS[2], ARGV[7], ARGV[1])

	return 1
`)

// Appends a checkpoint and updates the instance if the latest sequence matches the expected one.
//
// KEYS[1] - instance key
// KEYS[2] - checkpoints key
// KEYS[3] - instances-by-update key
// KEYS[4] - instances-completed key
// ARGV[1] - instance id
// ARGV[2] - expected sequence
// ARGV[3] - serialized checkpoint
// ARGV[4] - status
// ARGV[5] - node id
// ARGV[6] - state
// ARGV[7] - serialized error
// ARGV[8] - current timestamp
// ARGV[9] - "1" if status is terminal
var saveCheckpointCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end

	local status = redis.call("HGET", KEYS[1], "status")
	if status == "completed" or status == "failed" or status == "cancelled" then
		return -2
	end

	local sequence = tonumber(redis.call("HGET", KEYS[1], "sequence"))
	if sequence ~= tonumber(ARGV[2]) then
		return -3
	end

	local next = sequence + 1

	redis.call("RPUSH", KEYS[2], ARGV[3])
	redis.call("HSET", KEYS[1],
		"status", ARGV[4],
		"current_node", ARGV[5],
		"state", ARGV[6],
		"sequence", next,
		"error", ARGV[7],
		"updated_at", ARGV[8])
	redis.call("ZADD", KEYS[3], ARGV[8], ARGV[1])

	if ARGV[9] == "1" then
		redis.call("HSET", KEYS[1], "completed_at", ARGV[8])
		redis.call("ZADD", KEYS[4], ARGV[8], ARGV[1])
	end

	return next
`)

// KEYS[1] - instance key
// KEYS[2] - checkpoints key
// KEYS[3] - instances-by-update key
// KEYS[4] - instances-completed key
// ARGV[1] - instance id
var removeInstanceCmd = redis.NewScript(`
	local status = redis.call("HGET", KEYS[1], "status")
	if status ~= "completed" and status ~= "failed" and status ~= "cancelled" then
		redis.call("ZREM", KEYS[4], ARGV[1])
		return 0
	end

	redis.call("DEL", KEYS[1], KEYS[2])
	redis.call("ZREM", KEYS[3], ARGV[1])
	redis.call("ZREM", KEYS[4], ARGV[1])

	return 1
`)

func (rb *redisBackend) CreateWorkflowInstance(ctx context.Context, instance *core.WorkflowInstance) error {
	status := instance.Status
	if status == "" {
		status = core.WorkflowInstanceStatusRunning
	}

	created, err := createInstanceCmd.Run(ctx, rb.rdb, []string{
		rb.keys.instanceKey(instance.InstanceID),
		rb.keys.instancesByUpdate(),
	},
		instance.InstanceID,
		instance.BusinessID,
		instance.Graph,
		string(status),
		instance.CurrentNode,
		string(instance.State),
		rb.now(),
	).Int64()
	if err != nil {
		return fmt.Errorf("creating workflow instance: %w", err)
	}

	if created == 0 {
		return backend.ErrInstanceAlreadyExists
	}

	return nil
}

func (rb *redisBackend) SaveCheckpoint(ctx context.Context, update *backend.CheckpointUpdate) (int64, error) {
	now := rb.now()

	cp, err := json.Marshal(&core.Checkpoint{
		InstanceID: update.InstanceID,
		NodeID:     update.NodeID,
		Status:     update.Status,
		State:      update.State,
		Sequence:   update.ExpectedSequence + 1,
		CreatedAt:  time.UnixMilli(now),
	})
	if err != nil {
		return 0, fmt.Errorf("marshaling checkpoint: %w", err)
	}

	var errorData []byte
	if update.Error != nil {
		errorData, err = json.Marshal(update.Error)
		if err != nil {
			return 0, fmt.Errorf("marshaling error: %w", err)
		}
	}

	r, err := saveCheckpointCmd.Run(ctx, rb.rdb, []string{
		rb.keys.instanceKey(update.InstanceID),
		rb.keys.checkpointsKey(update.InstanceID),
		rb.keys.instancesByUpdate(),
		rb.keys.instancesCompleted(),
	},
		update.InstanceID,
		update.ExpectedSequence,
		string(cp),
		string(update.Status),
		update.NodeID,
		string(update.State),
		string(errorData),
		now,
		boolArg(update.Status.Terminal()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("saving checkpoint: %w", err)
	}

	switch r {
	case -1:
		return 0, backend.ErrInstanceNotFound
	case -2:
		return 0, backend.ErrInstanceTerminal
	case -3:
		return 0, backend.ErrSequenceConflict
	}

	return r, nil
}

func (rb *redisBackend) LoadCheckpoint(ctx context.Context, instanceID string) (*core.Checkpoint, error) {
	exists, err := rb.rdb.Exists(ctx, rb.keys.instanceKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading workflow instance: %w", err)
	}

	if exists == 0 {
		return nil, backend.ErrInstanceNotFound
	}

	data, err := rb.rdb.LIndex(ctx, rb.keys.checkpointsKey(instanceID), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrCheckpointNotFound
		}

		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp core.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}

	return &cp, nil
}

func (rb *redisBackend) GetWorkflowInstance(ctx context.Context, instanceID string) (*core.WorkflowInstance, error) {
	fields, err := rb.rdb.HGetAll(ctx, rb.keys.instanceKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading workflow instance: %w", err)
	}

	if len(fields) == 0 {
		return nil, backend.ErrInstanceNotFound
	}

	return parseInstance(fields)
}

func (rb *redisBackend) ListWorkflowInstances(ctx context.Context, filter backend.InstanceFilter) ([]*core.WorkflowInstance, error) {
	maxScore := "+inf"
	if !filter.UpdatedBefore.IsZero() {
		maxScore = "(" + formatInt(filter.UpdatedBefore.UnixMilli())
	}

	ids, err := rb.rdb.ZRangeByScore(ctx, rb.keys.instancesByUpdate(), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing workflow instances: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	if _, err := rb.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds, p.HGetAll(ctx, rb.keys.instanceKey(id)))
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("reading workflow instances: %w", err)
	}

	r := make([]*core.WorkflowInstance, 0)
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Removed since listing
			continue
		}

		i, err := parseInstance(fields)
		if err != nil {
			return nil, err
		}

		if filter.Status != "" && i.Status != filter.Status {
			continue
		}

		r = append(r, i)

		if filter.Limit > 0 && len(r) == filter.Limit {
			break
		}
	}

	return r, nil
}

func (rb *redisBackend) RemoveWorkflowInstances(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	maxScore := "+inf"
	if !ro.FinishedBefore.IsZero() {
		maxScore = "(" + formatInt(ro.FinishedBefore.UnixMilli())
	}

	ids, err := rb.rdb.ZRangeByScore(ctx, rb.keys.instancesCompleted(), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing finished workflow instances: %w", err)
	}

	removed := 0
	for _, id := range ids {
		r, err := removeInstanceCmd.Run(ctx, rb.rdb, []string{
			rb.keys.instanceKey(id),
			rb.keys.checkpointsKey(id),
			rb.keys.instancesByUpdate(),
			rb.keys.instancesCompleted(),
		}, id).Int64()
		if err != nil {
			return removed, fmt.Errorf("removing workflow instance: %w", err)
		}

		removed += int(r)
	}

	rb.Metrics().Counter(metrickeys.WorkflowInstanceRemoved, metrics.Tags{}, int64(removed))

	return removed, nil
}

func parseInstance(fields map[string]string) (*core.WorkflowInstance, error) {
	i := &core.WorkflowInstance{
		InstanceID:  fields["id"],
		BusinessID:  fields["business_id"],
		Graph:       fields["graph"],
		Status:      core.WorkflowInstanceStatus(fields["status"]),
		CurrentNode: fields["current_node"],
	}

	if s := fields["state"]; s != "" {
		i.State = []byte(s)
	}

	var err error
	if i.Sequence, err = strconv.ParseInt(fields["sequence"], 10, 64); err != nil {
		return nil, fmt.Errorf("parsing sequence: %w", err)
	}

	if i.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}

	if i.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}

	if v, ok := fields["completed_at"]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}

		i.CompletedAt = &t
	}

	if e := fields["error"]; e != "" {
		var we workflowerrors.Error
		if err := json.Unmarshal([]byte(e), &we); err != nil {
			return nil, fmt.Errorf("unmarshaling error: %w", err)
		}

		i.Error = &we
	}

	return i, nil
}

func parseTime(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}

	return time.UnixMilli(ms), nil
}
