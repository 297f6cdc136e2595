package redis

import (
	"context"
	"fmt"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/redis/go-redis/v9"
)

// Registers a correlation unless a non-terminal one exists for the business id. A terminal record is
// replaced and the action records of the business id are removed.
//
// KEYS[1] - correlation key
// KEYS[2] - correlation-instance key of the new instance
// KEYS[3] - action kinds key
// KEYS[4] - correlations-terminal key
// ARGV[1] - business id
// ARGV[2] - instance id
// ARGV[3] - current timestamp
// ARGV[4] - action key prefix of the business id
// ARGV[5] - correlation-instance key prefix
var registerCorrelationCmd = redis.NewScript(`
	local owner = redis.call("GET", KEYS[2])
	if owner and owner ~= ARGV[1] then
		return -2
	end

	if redis.call("EXISTS", KEYS[1]) == 1 then
		local status = redis.call("HGET", KEYS[1], "status")
		if status ~= "completed" and status ~= "failed" and status ~= "cancelled" then
			return -1
		end

		local previous = redis.call("HGET", KEYS[1], "instance_id")
		redis.call("DEL", ARGV[5] .. previous)

		local kinds = redis.call("SMEMBERS", KEYS[3])
		for i = 1, #kinds do
			redis.call("DEL", ARGV[4] .. kinds[i])
		end

		redis.call("DEL", KEYS[1], KEYS[3])
		redis.call("ZREM", KEYS[4], ARGV[1])
	end

	redis.call("HSET", KEYS[1],
		"business_id", ARGV[1],
		"instance_id", ARGV[2],
		"channel_message_id", "",
		"status", "running",
		"created_at", ARGV[3],
		"updated_at", ARGV[3])
	redis.call("SET", KEYS[2], ARGV[1])

	return 1
`)

// KEYS[1] - correlation key
// ARGV[1] - instance id
// ARGV[2] - channel message id
// ARGV[3] - current timestamp
var attachChannelMessageCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end

	if redis.call("HGET", KEYS[1], "instance_id") ~= ARGV[1] then
		return -2
	end

	local status = redis.call("HGET", KEYS[1], "status")
	if status == "completed" or status == "failed" or status == "cancelled" then
		return -3
	end

	redis.call("HSET", KEYS[1], "channel_message_id", ARGV[2], "updated_at", ARGV[3])

	return 1
`)

// KEYS[1] - correlation key
// KEYS[2] - correlations-terminal key
// ARGV[1] - instance id
// ARGV[2] - new status
// ARGV[3] - current timestamp
// ARGV[4] - "1" if the new status is terminal
// ARGV[5] - business id
var markCorrelationCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return -1
	end

	if redis.call("HGET", KEYS[1], "instance_id") ~= ARGV[1] then
		return -2
	end

	local status = redis.call("HGET", KEYS[1], "status")
	if status == "completed" or status == "failed" or status == "cancelled" then
		if status == ARGV[2] then
			return 1
		end

		return -3
	end

	if ARGV[2] == "paused" and redis.call("HGET", KEYS[1], "channel_message_id") == "" then
		return -4
	end

	redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[3])

	if ARGV[4] == "1" then
		redis.call("HSET", KEYS[1], "terminal_at", ARGV[3])
		redis.call("ZADD", KEYS[2], ARGV[3], ARGV[5])
	end

	return 1
`)

// KEYS[1] - correlation key
// KEYS[2] - action kinds key
// KEYS[3] - correlations-terminal key
// ARGV[1] - business id
// ARGV[2] - action key prefix of the business id
// ARGV[3] - correlation-instance key prefix
var removeCorrelationCmd = redis.NewScript(`
	local status = redis.call("HGET", KEYS[1], "status")
	if status ~= "completed" and status ~= "failed" and status ~= "cancelled" then
		redis.call("ZREM", KEYS[3], ARGV[1])
		return 0
	end

	local instance = redis.call("HGET", KEYS[1], "instance_id")
	redis.call("DEL", ARGV[3] .. instance)

	local kinds = redis.call("SMEMBERS", KEYS[2])
	for i = 1, #kinds do
		redis.call("DEL", ARGV[2] .. kinds[i])
	end

	redis.call("DEL", KEYS[1], KEYS[2])
	redis.call("ZREM", KEYS[3], ARGV[1])

	return 1
`)

func (rb *redisBackend) RegisterCorrelation(ctx context.Context, businessID, instanceID string) error {
	r, err := registerCorrelationCmd.Run(ctx, rb.rdb, []string{
		rb.keys.correlationKey(businessID),
		rb.keys.correlationInstanceKey(instanceID),
		rb.keys.actionKindsKey(businessID),
		rb.keys.correlationsTerminal(),
	},
		businessID,
		instanceID,
		rb.now(),
		rb.keys.actionPrefix(businessID),
		rb.keys.correlationInstancePrefix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("registering correlation: %w", err)
	}

	switch r {
	case -1:
		return backend.ErrDuplicateBusinessID
	case -2:
		return backend.ErrInstanceAlreadyExists
	}

	return nil
}

func (rb *redisBackend) AttachChannelMessage(ctx context.Context, businessID, instanceID, channelMessageID string) error {
	r, err := attachChannelMessageCmd.Run(ctx, rb.rdb, []string{
		rb.keys.correlationKey(businessID),
	},
		instanceID,
		channelMessageID,
		rb.now(),
	).Int64()
	if err != nil {
		return fmt.Errorf("attaching channel message: %w", err)
	}

	return correlationResult(r)
}

func (rb *redisBackend) ResolveCorrelation(ctx context.Context, businessID string) (*core.CorrelationRecord, error) {
	fields, err := rb.rdb.HGetAll(ctx, rb.keys.correlationKey(businessID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading correlation: %w", err)
	}

	if len(fields) == 0 {
		return nil, backend.ErrCorrelationNotFound
	}

	r := &core.CorrelationRecord{
		BusinessID:       fields["business_id"],
		InstanceID:       fields["instance_id"],
		ChannelMessageID: fields["channel_message_id"],
		Status:           core.WorkflowInstanceStatus(fields["status"]),
	}

	if r.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}

	if r.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}

	if v, ok := fields["terminal_at"]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}

		r.TerminalAt = &t
	}

	return r, nil
}

func (rb *redisBackend) MarkCorrelation(ctx context.Context, businessID, instanceID string, status core.WorkflowInstanceStatus) error {
	r, err := markCorrelationCmd.Run(ctx, rb.rdb, []string{
		rb.keys.correlationKey(businessID),
		rb.keys.correlationsTerminal(),
	},
		instanceID,
		string(status),
		rb.now(),
		boolArg(status.Terminal()),
		businessID,
	).Int64()
	if err != nil {
		return fmt.Errorf("marking correlation: %w", err)
	}

	return correlationResult(r)
}

func (rb *redisBackend) RemoveCorrelations(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	ro := backend.ApplyRemovalOptions(options...)

	maxScore := "+inf"
	if !ro.FinishedBefore.IsZero() {
		maxScore = "(" + formatInt(ro.FinishedBefore.UnixMilli())
	}

	businessIDs, err := rb.rdb.ZRangeByScore(ctx, rb.keys.correlationsTerminal(), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing terminal correlations: %w", err)
	}

	removed := 0
	for _, businessID := range businessIDs {
		r, err := removeCorrelationCmd.Run(ctx, rb.rdb, []string{
			rb.keys.correlationKey(businessID),
			rb.keys.actionKindsKey(businessID),
			rb.keys.correlationsTerminal(),
		},
			businessID,
			rb.keys.actionPrefix(businessID),
			rb.keys.correlationInstancePrefix(),
		).Int64()
		if err != nil {
			return removed, fmt.Errorf("removing correlation: %w", err)
		}

		removed += int(r)
	}

	return removed, nil
}

func correlationResult(r int64) error {
	switch r {
	case -1:
		return backend.ErrCorrelationNotFound
	case -2:
		return backend.ErrCorrelationMismatch
	case -3:
		return backend.ErrInstanceTerminal
	case -4:
		return backend.ErrChannelMessageMissing
	}

	return nil
}
