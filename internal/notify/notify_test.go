package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuihairu/execgate/internal/domain"
	redis "github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var review = domain.Event{
	ID:        "ev1",
	RequestID: "req1",
	Author:    domain.User{ID: "bob"},
	CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	Payload:   domain.ReviewPayload{Action: domain.ReviewRequestChange},
}

func TestMessageOf(t *testing.T) {
	m := MessageOf(review)
	assert.Equal(t, domain.EventReview, m.Type)
	assert.Equal(t, domain.ReviewRequestChange, m.Action)

	b, err := json.Marshal(MessageOf(domain.Event{ID: "e", RequestID: "r", Payload: domain.ExecutePayload{}}))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "action")
	assert.Contains(t, string(b), `"type":"EXECUTE"`)
}

func TestRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedis(cli, "", 100, false)
	defer q.Close()

	require.NoError(t, q.PublishEvent(context.Background(), MessageOf(review)))

	msgs, err := cli.XRange(context.Background(), "execgate:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "req1", msgs[0].Values["request_id"])

	var got Message
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, MessageOf(review), got)
}

type fakeWriter struct{ msgs []kafka.Message }

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}
func (f *fakeWriter) Close() error { return nil }

func TestKafkaMessageKeyedByRequest(t *testing.T) {
	w := &fakeWriter{}
	q := &kafkaQueue{w: w}
	require.NoError(t, q.PublishEvent(context.Background(), MessageOf(review)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "req1", string(w.msgs[0].Key))
	assert.Equal(t, "REVIEW", string(w.msgs[0].Headers[0].Value))
}

func TestFactory(t *testing.T) {
	assert.IsType(t, &Noop{}, New(Config{}, nil))
	assert.IsType(t, &Noop{}, New(Config{Type: "carrier-pigeon"}, nil))
	assert.IsType(t, &Noop{}, New(Config{Type: "redis", RedisURL: "::bad"}, nil))
	assert.IsType(t, &Noop{}, NewKafka(nil, ""))

	k := New(Config{Type: "kafka", KafkaBrokers: []string{"localhost:9092"}}, nil)
	assert.IsType(t, &kafkaQueue{}, k)
	require.NoError(t, k.Close())

	mr := miniredis.RunT(t)
	r := New(Config{Type: "redis", RedisURL: "redis://" + mr.Addr()}, nil)
	assert.IsType(t, &redisQueue{}, r)
	require.NoError(t, r.Close())
}
