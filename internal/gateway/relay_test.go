package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// scriptedRedis answers commands without a server.
type scriptedRedis struct {
	counts map[string]int64
	hdel   error
}

func (s *scriptedRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (s *scriptedRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (s *scriptedRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		args := cmd.Args()
		switch cmd.Name() {
		case "hincrby":
			field := args[2].(string)
			s.counts[field] += args[3].(int64)
			cmd.(*redis.IntCmd).SetVal(s.counts[field])
		case "hdel":
			if s.hdel != nil {
				cmd.SetErr(s.hdel)
				return s.hdel
			}
			delete(s.counts, args[2].(string))
			cmd.(*redis.IntCmd).SetVal(1)
		default:
			return errors.New("unexpected command " + cmd.Name())
		}
		return nil
	}
}

func newScriptedRelay(t *testing.T, script *scriptedRedis) (*Relay, *observer.ObservedLogs) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(script)
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zap.WarnLevel)
	return NewRelay(client, "test-relay", "node-a", zap.New(core)), logs
}

func TestLeaveClearsPresenceField(t *testing.T) {
	ctx := context.Background()
	script := &scriptedRedis{counts: map[string]int64{}}
	relay, logs := newScriptedRelay(t, script)

	_, err := relay.Join(ctx, "alice")
	require.NoError(t, err)
	_, err = relay.Join(ctx, "alice")
	require.NoError(t, err)

	n, err := relay.Leave(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, script.counts, "alice")

	n, err = relay.Leave(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotContains(t, script.counts, "alice")
	assert.Zero(t, logs.Len())
}

func TestLeaveLogsFailedPresenceCleanup(t *testing.T) {
	ctx := context.Background()
	script := &scriptedRedis{counts: map[string]int64{}, hdel: errors.New("connection reset")}
	relay, logs := newScriptedRelay(t, script)

	// A stray leave drives the count negative; it still reports zero.
	n, err := relay.Leave(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	entries := logs.FilterMessage("clear presence field").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].ContextMap()["client"])
	assert.Equal(t, "connection reset", entries[0].ContextMap()["error"])
}
