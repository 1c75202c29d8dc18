package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	redisEntryPrefix = "/chidori-queue/task/"
	redisLeasePrefix = "/chidori-queue/lease/"
	redisPendingKey  = "/chidori-queue/pending"
	redisSeqKey      = "/chidori-queue/seq"
)

// Redis is the shared queue backend for multi-process deployments: one
// daemon, any number of agent processes.
type Redis struct {
	cli *redis.Client
}

func NewRedis(addr, password string, db int) *Redis {
	cli := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisFromClient(cli)
}

func NewRedisFromClient(cli *redis.Client) *Redis {
	return &Redis{cli: cli}
}

type redisEntry struct {
	UniqueName string `json:"unique_name"`
	TaskID     int64  `json:"task_id"`
	AttemptID  int64  `json:"attempt_id"`
	Priority   int    `json:"priority"`
}

func (q *Redis) Enqueue(ctx context.Context, req Request) error {
	payload, err := json.Marshal(redisEntry{
		UniqueName: req.UniqueName,
		TaskID:     req.TaskID,
		AttemptID:  req.AttemptID,
		Priority:   req.Priority,
	})
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	ok, err := q.cli.SetNX(ctx, redisEntryPrefix+req.UniqueName, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", req.UniqueName, err)
	}
	if !ok {
		return fmt.Errorf("%q: %w", req.UniqueName, ErrTaskConflict)
	}
	seq, err := q.cli.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return fmt.Errorf("enqueue %q: %w", req.UniqueName, err)
	}
	// lower score is delivered first: priority descending, then FIFO
	score := float64(-req.Priority)*1e12 + float64(seq)
	if err := q.cli.ZAdd(ctx, redisPendingKey, &redis.Z{Score: score, Member: req.UniqueName}).Err(); err != nil {
		return fmt.Errorf("enqueue %q: %w", req.UniqueName, err)
	}
	return nil
}

func (q *Redis) Lock(ctx context.Context, limit int, agentID string, leaseSeconds int) ([]Locked, error) {
	names, err := q.cli.ZRange(ctx, redisPendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	ttl := time.Duration(leaseSeconds) * time.Second
	var out []Locked
	for _, name := range names {
		if limit > 0 && len(out) >= limit {
			break
		}
		lockID := name + "|" + uuid.NewString()
		claimed, err := q.cli.SetNX(ctx, redisLeasePrefix+name, agentID+"|"+lockID, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", name, err)
		}
		if !claimed {
			continue
		}
		raw, err := q.cli.Get(ctx, redisEntryPrefix+name).Bytes()
		if errors.Is(err, redis.Nil) {
			// deleted between ZRANGE and claim; drop the stray lease
			q.cli.Del(ctx, redisLeasePrefix+name)
			q.cli.ZRem(ctx, redisPendingKey, name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", name, err)
		}
		var entry redisEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode %q: %w", name, err)
		}
		out = append(out, Locked{
			UniqueName: entry.UniqueName,
			TaskID:     entry.TaskID,
			AttemptID:  entry.AttemptID,
			LockID:     lockID,
			ExpiresAt:  time.Now().Add(ttl),
		})
	}
	return out, nil
}

func (q *Redis) Heartbeat(ctx context.Context, lockIDs []string, agentID string, leaseSeconds int) error {
	for _, lockID := range lockIDs {
		name, ok := uniqueNameOfLock(lockID)
		if !ok {
			return fmt.Errorf("%q: %w", lockID, ErrLeaseLost)
		}
		val, err := q.cli.Get(ctx, redisLeasePrefix+name).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%q: %w", lockID, ErrLeaseLost)
		}
		if err != nil {
			return fmt.Errorf("heartbeat %q: %w", lockID, err)
		}
		if val != agentID+"|"+lockID {
			return fmt.Errorf("%q: %w", lockID, ErrLeaseLost)
		}
		if err := q.cli.Expire(ctx, redisLeasePrefix+name, time.Duration(leaseSeconds)*time.Second).Err(); err != nil {
			return fmt.Errorf("heartbeat %q: %w", lockID, err)
		}
	}
	return nil
}

func (q *Redis) Delete(ctx context.Context, lockID, agentID string) error {
	name, ok := uniqueNameOfLock(lockID)
	if !ok {
		return fmt.Errorf("%q: %w", lockID, ErrNotFound)
	}
	exists, err := q.cli.Exists(ctx, redisEntryPrefix+name).Result()
	if err != nil {
		return fmt.Errorf("delete %q: %w", lockID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%q: %w", lockID, ErrNotFound)
	}
	val, err := q.cli.Get(ctx, redisLeasePrefix+name).Result()
	if errors.Is(err, redis.Nil) || (err == nil && val != agentID+"|"+lockID) {
		return fmt.Errorf("%q: %w", lockID, ErrLeaseLost)
	}
	if err != nil {
		return fmt.Errorf("delete %q: %w", lockID, err)
	}
	if err := q.cli.Del(ctx, redisEntryPrefix+name, redisLeasePrefix+name).Err(); err != nil {
		return fmt.Errorf("delete %q: %w", lockID, err)
	}
	if err := q.cli.ZRem(ctx, redisPendingKey, name).Err(); err != nil {
		return fmt.Errorf("delete %q: %w", lockID, err)
	}
	return nil
}

// uniqueNameOfLock recovers the unique name from a lock id. Lock ids are
// "uniqueName|uuid"; unique names never contain '|'.
func uniqueNameOfLock(lockID string) (string, bool) {
	i := strings.LastIndex(lockID, "|")
	if i <= 0 {
		return "", false
	}
	return lockID[:i], true
}
