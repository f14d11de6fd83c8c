package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

type redisQueue struct {
	cli          redis.UniversalClient
	stream       string
	maxLenApprox bool
	maxLen       int64
}

func NewRedis(cli redis.UniversalClient, stream string, maxLen int64, approx bool) Queue {
	if stream == "" {
		stream = "execgate:events"
	}
	return &redisQueue{cli: cli, stream: stream, maxLen: maxLen, maxLenApprox: approx}
}

func (q *redisQueue) Close() error { return q.cli.Close() }

func (q *redisQueue) PublishEvent(ctx context.Context, m Message) error {
	// Store as single field 'data' with JSON body for schema flexibility
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"data": string(b), "request_id": m.RequestID}}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = q.maxLenApprox
	}
	return q.cli.XAdd(ctx, args).Err()
}
