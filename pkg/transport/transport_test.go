package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooble-ai/nooble/pkg/actions"
)

func TestStreamNames(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		service  string
		callback bool
		want     string
	}{
		{
			name:    "main stream",
			env:     "production",
			service: "execution",
			want:    "nooble:production:execution:streams:main",
		},
		{
			name:     "callback stream",
			env:      "production",
			service:  "orchestrator",
			callback: true,
			want:     "nooble:production:orchestrator-callbacks:streams:main",
		},
		{
			name:    "conversation service main",
			env:     "staging",
			service: "conversation_service",
			want:    "nooble:staging:conversation_service:streams:main",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StreamName(tt.env, tt.service)
			if tt.callback {
				got = CallbackStreamName(tt.env, tt.service)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "query-group", GroupName("query"))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoff(0))
	assert.Equal(t, 200*time.Millisecond, backoff(1))
	assert.Equal(t, 400*time.Millisecond, backoff(2))
	assert.Equal(t, 5*time.Second, backoff(10), "capped")
}

func TestDecodeEntry(t *testing.T) {
	a := actions.New(actions.TypeChatSimple, actions.ServiceOrchestrator)
	a.TenantID = "tenant-1"
	a.SessionID = "session-1"
	data, err := json.Marshal(a)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		got, err := decodeEntry(map[string]any{"payload": string(data)})
		require.NoError(t, err)
		assert.Equal(t, a.ActionID, got.ActionID)
		assert.Equal(t, actions.TypeChatSimple, got.ActionType)
		assert.Equal(t, "tenant-1", got.TenantID)
	})

	t.Run("missing payload field", func(t *testing.T) {
		_, err := decodeEntry(map[string]any{"other": "x"})
		assert.ErrorContains(t, err, "missing")
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := decodeEntry(map[string]any{"payload": "{not json"})
		assert.ErrorContains(t, err, "unmarshaling")
	})
}

func TestNewConsumerDefaults(t *testing.T) {
	handler := func(_ context.Context, _ *actions.DomainAction) error { return nil }

	c := NewConsumer(nil, ConsumerConfig{
		Env:     "test",
		Service: "ingestion",
		PodID:   "pod-a",
	}, handler)
	assert.Equal(t, 1, c.cfg.Workers, "worker count defaults to 1")
	assert.Equal(t, 5*time.Second, c.cfg.Block, "block defaults to 5s")
	assert.Equal(t, "nooble:test:ingestion:streams:main", c.stream)
	assert.Equal(t, "ingestion-group", c.group)

	cb := NewConsumer(nil, ConsumerConfig{
		Env:      "test",
		Service:  "orchestrator",
		PodID:    "pod-a",
		Callback: true,
		Workers:  3,
	}, handler)
	assert.Equal(t, "nooble:test:orchestrator-callbacks:streams:main", cb.stream)
	assert.Equal(t, 3, cb.cfg.Workers)
}

// fakeClaimRedis serves XAUTOCLAIM/XACK for the pending-recovery path.
type fakeClaimRedis struct {
	redis.Cmdable
	pending []redis.XMessage
	acked   []string
}

func (f *fakeClaimRedis) XAutoClaim(_ context.Context, _ *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	msgs := f.pending
	f.pending = nil
	cmd := redis.NewXAutoClaimCmd(context.Background())
	cmd.SetVal(msgs, "0-0")
	return cmd
}

func (f *fakeClaimRedis) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func TestClaimPending(t *testing.T) {
	a := actions.New(actions.TypeChatSimple, actions.ServiceOrchestrator)
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var handled []string
	handler := func(_ context.Context, got *actions.DomainAction) error {
		handled = append(handled, got.ActionID)
		return nil
	}

	rdb := &fakeClaimRedis{pending: []redis.XMessage{{
		ID:     "1-0",
		Values: map[string]any{"payload": string(data)},
	}}}
	c := NewConsumer(rdb, ConsumerConfig{
		Env:     "test",
		Service: "execution",
		PodID:   "pod-a",
	}, handler)

	t.Run("orphaned entry is redelivered and acked", func(t *testing.T) {
		claimed := c.claimPending(context.Background(), c.log, "execution-pod-a-claim")
		assert.Equal(t, 1, claimed)
		assert.Equal(t, []string{a.ActionID}, handled)
		assert.Equal(t, []string{"1-0"}, rdb.acked)
	})

	t.Run("nothing pending", func(t *testing.T) {
		assert.Zero(t, c.claimPending(context.Background(), c.log, "execution-pod-a-claim"))
		assert.Len(t, handled, 1)
	})
}
