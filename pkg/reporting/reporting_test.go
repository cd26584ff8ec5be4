package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/examguard/pkg/supervision"
)

type fakeRedis struct {
	published map[string][]byte
	stored    map[string][]byte
	ttls      map[string]time.Duration
	failSet   error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		published: map[string][]byte{},
		stored:    map[string][]byte{},
		ttls:      map[string]time.Duration{},
	}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published[channel] = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.failSet != nil {
		cmd.SetErr(f.failSet)
		return cmd
	}
	f.stored[key] = value.([]byte)
	f.ttls[key] = expiration
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

type reporterFunc func(ctx context.Context, r supervision.Results) error

func (f reporterFunc) Report(ctx context.Context, r supervision.Results) error { return f(ctx, r) }

func TestRedisReporter_Report(t *testing.T) {
	fake := newFakeRedis()
	rep := newRedisReporter(fake, "eg", time.Hour)

	results := supervision.Results{SessionID: "s1", Identity: "u1", State: "active", Compromised: true}
	require.NoError(t, rep.Report(context.Background(), results))

	payload, ok := fake.published["eg:u1"]
	require.True(t, ok, "expected publish on eg:u1")

	var decoded supervision.Results
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "s1", decoded.SessionID)
	assert.True(t, decoded.Compromised)

	assert.Equal(t, payload, fake.stored["eg:last:u1"])
	assert.Equal(t, time.Hour, fake.ttls["eg:last:u1"])
	assert.NoError(t, rep.Ping(context.Background()))
}

func TestRedisReporter_SetFailure(t *testing.T) {
	fake := newFakeRedis()
	fake.failSet = errors.New("READONLY")
	rep := newRedisReporter(fake, "", 0)

	err := rep.Report(context.Background(), supervision.Results{Identity: "u1"})
	require.Error(t, err)
	assert.Empty(t, fake.published, "nothing should be published when the snapshot fails")
	assert.Equal(t, "examguard:supervision:u1", rep.Channel("u1"))
}

func TestMulti(t *testing.T) {
	var calls int
	ok := reporterFunc(func(context.Context, supervision.Results) error { calls++; return nil })
	boom := errors.New("boom")
	bad := reporterFunc(func(context.Context, supervision.Results) error { calls++; return boom })

	err := Multi{ok, bad, LogReporter{}, ok}.Report(context.Background(), supervision.Results{Identity: "u1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "every reporter runs even after a failure")

	assert.NoError(t, Multi{}.Report(context.Background(), supervision.Results{}))
}
