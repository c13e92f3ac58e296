package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisIndex stores jobs in Redis so they survive API restarts and can be
// swept by a separate worker process.
//
// Layout (under prefix):
//
//	job:{id}          JSON record
//	job:req:{rid}     job id
//	jobs:processing   sorted set of processing job ids, scored by creation time (ms)
type RedisIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIndex creates an index. Records expire ttl after their last write.
func NewRedisIndex(client *redis.Client, prefix string, ttl time.Duration) *RedisIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisIndex) jobKey(id string) string { return r.prefix + "job:" + id }
func (r *RedisIndex) requestKey(rid string) string { return r.prefix + "job:req:" + rid }
func (r *RedisIndex) processingKey() string { return r.prefix + "jobs:processing" }
func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (r *RedisIndex) Create(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	// Claim the request id first so a second job cannot take it over.
	claimed := false
	if job.RequestID != "" {
		claimed, err = r.client.SetNX(ctx, r.requestKey(job.RequestID), job.ID, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("claim request id: %w", err)
		}
		if !claimed {
			owner, err := r.client.Get(ctx, r.requestKey(job.RequestID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("lookup request id: %w", err)
			}
			if owner != job.ID {
				return ErrRequestIDInUse
			}
		}
	}

	created, err := r.client.SetNX(ctx, r.jobKey(job.ID), data, r.ttl).Result()
	if err == nil && !created {
		err = fmt.Errorf("job %s already exists", job.ID)
	}
	if err != nil {
		if claimed {
			r.releaseRequestID(ctx, job.RequestID, job.ID)
		}
		return fmt.Errorf("create job: %w", err)
	}

	if job.Status == StatusProcessing {
		if err := r.client.ZAdd(ctx, r.processingKey(), redis.Z{Score: score(job.CreatedAt), Member: job.ID}).Err(); err != nil {
			return fmt.Errorf("index job: %w", err)
		}
	}
	return nil
}

// releaseRequestID drops the request id mapping if it still points at jobID.
func (r *RedisIndex) releaseRequestID(ctx context.Context, requestID, jobID string) {
	_ = r.withRetry(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, r.requestKey(requestID)).Result()
		if err != nil || owner != jobID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.requestKey(requestID))
			return nil
		})
		return err
	}, r.requestKey(requestID))
}

func (r *RedisIndex) AttachRequestID(ctx context.Context, jobID, requestID string) (*Job, error) {
	var attached *Job
	err := r.withRetry(ctx, func(tx *redis.Tx) error {
		job, err := r.load(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.RequestID != "" && job.RequestID != requestID {
			return ErrRequestIDAssigned
		}

		owner, err := tx.Get(ctx, r.requestKey(requestID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && owner != jobID {
			return ErrRequestIDInUse
		}

		job.RequestID = requestID
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.jobKey(jobID), data, r.ttl)
			pipe.Set(ctx, r.requestKey(requestID), jobID, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		attached = job
		return nil
	}, r.jobKey(jobID), r.requestKey(requestID))

	return attached, err
}

func (r *RedisIndex) Get(ctx context.Context, key string) (*Job, error) {
	jobID, err := r.client.Get(ctx, r.requestKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("lookup request id: %w", err)
		}
		jobID = key
	}
	return r.load(ctx, r.client, jobID)
}

func (r *RedisIndex) Update(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	return r.withRetry(ctx, func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			if sameTerminalState(current, job) {
				return nil
			}
			return ErrJobFinalized
		}
		if current.RequestID != "" && job.RequestID != current.RequestID {
			return ErrRequestIDAssigned
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.jobKey(job.ID), data, r.ttl)
			if job.Status.IsTerminal() {
				pipe.ZRem(ctx, r.processingKey(), job.ID)
			}
			if job.RequestID != "" {
				pipe.Set(ctx, r.requestKey(job.RequestID), job.ID, r.ttl)
			}
			return nil
		})
		return err
	}, r.jobKey(job.ID))
}

func (r *RedisIndex) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := r.client.ZRangeByScore(ctx, r.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(createdBefore.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}

	stale := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.load(ctx, r.client, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				// Record expired; drop the dangling entry.
				r.client.ZRem(ctx, r.processingKey(), id)
				continue
			}
			return nil, err
		}
		if job.Status != StatusProcessing {
			r.client.ZRem(ctx, r.processingKey(), id)
			continue
		}
		stale = append(stale, job)
	}
	return stale, nil
}

// CountProcessing returns the number of jobs in the processing set.
func (r *RedisIndex) CountProcessing(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, r.processingKey()).Result()
}

func (r *RedisIndex) load(ctx context.Context, c redis.Cmdable, jobID string) (*Job, error) {
	data, err := c.Get(ctx, r.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// withRetry runs fn in a WATCH transaction, retrying on optimistic lock conflicts.
func (r *RedisIndex) withRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("job index: too much contention on %v", keys)
}
