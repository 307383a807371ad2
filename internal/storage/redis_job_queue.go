package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/types"
)

// Every state change is a single Lua script, so the job hash, the status
// sets and the per-auction guard never disagree. Scripts derive the job and
// auction keys from a prefix, which ties the queue to one Redis node.

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
	'auction_id', ARGV[2], 'status', 'pending', 'attempt', ARGV[3],
	'enqueued_at', ARGV[4], 'next_run_at', ARGV[5], 'updated_at', ARGV[5])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[3], id)
redis.call('HSET', ARGV[4] .. id,
	'status', 'leased', 'lease_owner', ARGV[2], 'lease_expires_at', ARGV[3], 'updated_at', ARGV[1])
return id
`)

var ackScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'status', 'lease_owner', 'lease_expires_at', 'auction_id')
if not h[1] then return -1 end
if h[1] ~= 'leased' or h[2] ~= ARGV[2] or tonumber(h[3]) <= tonumber(ARGV[3]) then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
local guard = ARGV[4] .. h[4]
if redis.call('GET', guard) == ARGV[1] then redis.call('DEL', guard) end
return 1
`)

// failScript applies a transition computed in Go, provided the lease it was
// computed from is still the current one
var failScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'status', 'lease_owner', 'lease_expires_at', 'auction_id')
if not h[1] then return -1 end
if h[1] ~= 'leased' or h[2] ~= ARGV[2] or h[3] ~= ARGV[3] then return 0 end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease_owner', 'lease_expires_at')
redis.call('HSET', KEYS[1], 'status', ARGV[4], 'attempt', ARGV[5], 'last_error', ARGV[7], 'updated_at', ARGV[9])
if ARGV[4] == 'failed' then
	redis.call('HSET', KEYS[1], 'failed_at', ARGV[8])
	redis.call('ZADD', KEYS[4], ARGV[8], ARGV[1])
	local guard = ARGV[10] .. h[4]
	if redis.call('GET', guard) == ARGV[1] then redis.call('DEL', guard) end
else
	redis.call('HSET', KEYS[1], 'next_run_at', ARGV[6])
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
end
return 1
`)

var requeueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'failed' then return -2 end
if redis.call('EXISTS', KEYS[4]) == 1 then return -3 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'failed_at')
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempt', 0, 'next_run_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('SET', KEYS[4], ARGV[1])
return 1
`)

// RedisJobQueue is the broker-backed job.Queue. Job state lives in a hash per
// job; ready, leased and failed sorted sets index it by next run time, lease
// expiry and failure time.
type RedisJobQueue struct {
	client redis.UniversalClient
	prefix string
	opts   job.Options
}

// NewRedisJobQueue creates a queue whose keys start with prefix
func NewRedisJobQueue(client redis.UniversalClient, prefix string, opts job.Options) (*RedisJobQueue, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "finalizer"
	}
	return &RedisJobQueue{client: client, prefix: prefix + ":finq:", opts: opts}, nil
}

func (q *RedisJobQueue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *RedisJobQueue) jobKeyPrefix() string { return q.prefix + "job:" }
func (q *RedisJobQueue) auctionKeyPrefix() string { return q.prefix + "auction:" }
func (q *RedisJobQueue) auctionKey(auctionID uint64) string {
	return q.auctionKeyPrefix() + strconv.FormatUint(auctionID, 10)
}
func (q *RedisJobQueue) readyKey() string { return q.prefix + "ready" }
func (q *RedisJobQueue) leasedKey() string { return q.prefix + "leased" }
func (q *RedisJobQueue) failedKey() string { return q.prefix + "failed" }

func (q *RedisJobQueue) now() time.Time {
	return q.opts.Clock.Now().UTC()
}

// EnqueueBulk runs one enqueue script per job
func (q *RedisJobQueue) EnqueueBulk(ctx context.Context, jobs []*models.FinalizationJob) ([]models.EnqueueOutcome, error) {
	outcomes := make([]models.EnqueueOutcome, 0, len(jobs))
	now := q.now()

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out := models.EnqueueOutcome{JobID: j.ID, AuctionID: j.AuctionID}
		rec := job.NewRecord(j, now)

		added, err := enqueueScript.Run(ctx, q.client,
			[]string{q.jobKey(rec.ID), q.auctionKey(rec.AuctionID), q.readyKey()},
			rec.ID, strconv.FormatUint(rec.AuctionID, 10), rec.Attempt,
			rec.EnqueuedAt.UnixMilli(), rec.NextRunAt.UnixMilli(),
		).Int()
		switch {
		case err != nil:
			out.Status = types.EnqueueStatusFailed
			out.Err = fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
		case added == 0:
			out.Status = types.EnqueueStatusDuplicate
		default:
			out.Status = types.EnqueueStatusEnqueued
		}
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// Dequeue reclaims expired leases, then leases the earliest eligible job
func (q *RedisJobQueue) Dequeue(ctx context.Context, workerID string) (*models.FinalizationJob, error) {
	if _, err := q.ReclaimExpired(ctx); err != nil {
		return nil, err
	}

	now := q.now()
	expires := now.Add(q.opts.LeaseDuration)
	id, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.leasedKey()},
		now.UnixMilli(), workerID, expires.UnixMilli(), q.jobKeyPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}

	rec, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	j := rec.FinalizationJob
	return &j, nil
}

// Acknowledge deletes a job still leased to workerID
func (q *RedisJobQueue) Acknowledge(ctx context.Context, jobID, workerID string) error {
	res, err := ackScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.leasedKey()},
		jobID, workerID, q.now().UnixMilli(), q.auctionKeyPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", job.ErrJobNotFound, jobID)
	case 0:
		return fmt.Errorf("%w: %s", job.ErrLeaseLost, jobID)
	}
	return nil
}

// Fail records a failed attempt by the lease owner
func (q *RedisJobQueue) Fail(ctx context.Context, jobID, workerID, reason string) (*models.FailResult, error) {
	rec, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := q.now()
	if !job.HoldsLease(rec, workerID, now) {
		return nil, fmt.Errorf("%w: %s", job.ErrLeaseLost, jobID)
	}
	return q.applyFailure(ctx, rec, now, reason)
}

func (q *RedisJobQueue) applyFailure(ctx context.Context, rec *models.JobRecord, now time.Time, reason string) (*models.FailResult, error) {
	owner := rec.LeaseOwner
	leaseExpires := strconv.FormatInt(rec.LeaseExpiresAt.UnixMilli(), 10)

	result := job.ApplyFailure(rec, q.opts.Policy, now, reason)
	var failedAt int64
	if rec.FailedAt != nil {
		failedAt = rec.FailedAt.UnixMilli()
	}

	res, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(rec.ID), q.readyKey(), q.leasedKey(), q.failedKey()},
		rec.ID, owner, leaseExpires, string(rec.Status), rec.Attempt,
		rec.NextRunAt.UnixMilli(), reason, failedAt, now.UnixMilli(), q.auctionKeyPrefix(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}
	switch res {
	case -1:
		return nil, fmt.Errorf("%w: %s", job.ErrJobNotFound, rec.ID)
	case 0:
		return nil, fmt.Errorf("%w: %s", job.ErrLeaseLost, rec.ID)
	}
	return result, nil
}

// ReclaimExpired fails every expired lease. A lease that changes hands while
// being reclaimed is skipped.
func (q *RedisJobQueue) ReclaimExpired(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.leasedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to query expired leases: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		rec, err := q.load(ctx, id)
		if errors.Is(err, job.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if !job.LeaseExpired(rec, now) {
			continue
		}
		if _, err := q.applyFailure(ctx, rec, now, job.ReasonLeaseExpired); err != nil {
			if errors.Is(err, job.ErrLeaseLost) || errors.Is(err, job.ErrJobNotFound) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// ListFailed returns terminal jobs, most recently failed first
func (q *RedisJobQueue) ListFailed(ctx context.Context, limit int) ([]*models.JobRecord, error) {
	limit = job.ClampLimit(limit)
	ids, err := q.client.ZRevRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load failed jobs: %w", err)
		}
	}

	records := make([]*models.JobRecord, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRedisRecord(id, fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Requeue moves a terminal job back to pending
func (q *RedisJobQueue) Requeue(ctx context.Context, jobID string) error {
	rec, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}

	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.failedKey(), q.readyKey(), q.auctionKey(rec.AuctionID)},
		jobID, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", job.ErrJobNotFound, jobID)
	case -2:
		return fmt.Errorf("%w: %s is %s", job.ErrNotFailed, jobID, rec.Status)
	case -3:
		return fmt.Errorf("%w: %s", job.ErrAuctionHasLiveJob, jobID)
	}
	return nil
}

// Stats counts jobs per status
func (q *RedisJobQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.readyKey())
	leased := pipe.ZCard(ctx, q.leasedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return &models.QueueStats{
		Pending: pending.Val(),
		Leased:  leased.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (q *RedisJobQueue) load(ctx context.Context, jobID string) (*models.JobRecord, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", job.ErrJobNotFound, jobID)
	}
	return parseRedisRecord(jobID, fields)
}

func parseRedisRecord(id string, fields map[string]string) (*models.JobRecord, error) {
	rec := &models.JobRecord{}
	rec.ID = id
	rec.Status = types.JobStatus(fields["status"])

	var err error
	if rec.AuctionID, err = strconv.ParseUint(fields["auction_id"], 10, 64); err != nil {
		return nil, fmt.Errorf("job %s has malformed auction_id: %w", id, err)
	}
	if rec.Attempt, err = strconv.Atoi(fields["attempt"]); err != nil {
		return nil, fmt.Errorf("job %s has malformed attempt: %w", id, err)
	}

	millis := func(name string) (*time.Time, error) {
		raw, ok := fields[name]
		if !ok || raw == "" {
			return nil, nil
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("job %s has malformed %s: %w", id, name, err)
		}
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}

	for name, dst := range map[string]*time.Time{
		"enqueued_at": &rec.EnqueuedAt,
		"next_run_at": &rec.NextRunAt,
		"updated_at":  &rec.UpdatedAt,
	} {
		t, err := millis(name)
		if err != nil {
			return nil, err
		}
		if t != nil {
			*dst = *t
		}
	}
	if rec.LeaseExpiresAt, err = millis("lease_expires_at"); err != nil {
		return nil, err
	}
	if rec.FailedAt, err = millis("failed_at"); err != nil {
		return nil, err
	}

	rec.LeaseOwner = fields["lease_owner"]
	if msg, ok := fields["last_error"]; ok {
		rec.LastError = &msg
	}
	return rec, nil
}
