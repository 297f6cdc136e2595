package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cschleiden/go-triage/backend"
	"github.com/cschleiden/go-triage/core"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] - action key
// KEYS[2] - action kinds key
// ARGV[1] - kind
// ARGV[2] - instance id
// ARGV[3] - status
// ARGV[4] - result
// ARGV[5] - error kind
// ARGV[6] - error
// ARGV[7] - attempts
// ARGV[8] - current timestamp
var recordActionCmd = redis.NewScript(`
	if redis.call("HGET", KEYS[1], "status") == "applied" then
		return -1
	end

	local created = redis.call("HGET", KEYS[1], "created_at")
	if not created then
		created = ARGV[8]
	end

	redis.call("HSET", KEYS[1],
		"kind", ARGV[1],
		"instance_id", ARGV[2],
		"status", ARGV[3],
		"result", ARGV[4],
		"error_kind", ARGV[5],
		"error", ARGV[6],
		"attempts", ARGV[7],
		"created_at", created,
		"updated_at", ARGV[8])
	redis.call("SADD", KEYS[2], ARGV[1])

	return 1
`)

func (rb *redisBackend) GetAction(ctx context.Context, key core.ActionKey) (*core.ActionRecord, error) {
	fields, err := rb.rdb.HGetAll(ctx, rb.keys.actionKey(key.BusinessID, key.Kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading action record: %w", err)
	}

	if len(fields) == 0 {
		return nil, backend.ErrActionNotFound
	}

	r := &core.ActionRecord{
		ActionKey:  key,
		InstanceID: fields["instance_id"],
		Status:     core.ActionStatus(fields["status"]),
		ErrorKind:  fields["error_kind"],
		Error:      fields["error"],
	}

	if v := fields["result"]; v != "" {
		r.Result = []byte(v)
	}

	if r.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("parsing attempts: %w", err)
	}

	if r.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}

	if r.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}

	return r, nil
}

func (rb *redisBackend) RecordAction(ctx context.Context, record *core.ActionRecord) error {
	r, err := recordActionCmd.Run(ctx, rb.rdb, []string{
		rb.keys.actionKey(record.BusinessID, record.Kind),
		rb.keys.actionKindsKey(record.BusinessID),
	},
		record.Kind,
		record.InstanceID,
		string(record.Status),
		string(record.Result),
		record.ErrorKind,
		record.Error,
		record.Attempts,
		rb.now(),
	).Int64()
	if err != nil {
		return fmt.Errorf("recording action: %w", err)
	}

	if r == -1 {
		return backend.ErrActionAlreadyApplied
	}

	return nil
}
