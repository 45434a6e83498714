package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiyoukh/cf-ai-agent/pkg/store"
)

func testLedger(t *testing.T, limits Limits) *Ledger {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, "test:")
	t.Cleanup(func() { _ = st.Close() })

	return NewLedger(st, "sess-1", limits)
}

func turnAt(role Role, content string, at time.Time) Turn {
	return NewTurn(role, content, at)
}

func TestPrune_Age(t *testing.T) {
	now := time.Now().UTC()
	limits := DefaultLimits()

	turns := []Turn{
		turnAt(RoleUser, "old", now.Add(-15*24*time.Hour)),
		turnAt(RoleAssistant, "recent", now.Add(-time.Hour)),
	}

	pruned := Prune(turns, limits, now)
	require.Len(t, pruned, 1)
	assert.Equal(t, "recent", pruned[0].Content)
}

func TestPrune_Count(t *testing.T) {
	now := time.Now().UTC()
	limits := Limits{MaxTurns: 3}

	var turns []Turn
	for i := 0; i < 5; i++ {
		turns = append(turns, turnAt(RoleUser, fmt.Sprintf("msg-%d", i), now))
	}

	pruned := Prune(turns, limits, now)
	require.Len(t, pruned, 3)
	// Oldest dropped first.
	assert.Equal(t, "msg-2", pruned[0].Content)
	assert.Equal(t, "msg-4", pruned[2].Content)
}

func TestPrune_Size(t *testing.T) {
	now := time.Now().UTC()
	limits := Limits{MaxChars: 10}

	turns := []Turn{
		turnAt(RoleUser, "aaaaaa", now),     // 6 chars, over budget with the rest
		turnAt(RoleAssistant, "bbbbb", now), // 5 chars
		turnAt(RoleUser, "ccccc", now),      // 5 chars
	}

	pruned := Prune(turns, limits, now)
	require.Len(t, pruned, 2)
	assert.Equal(t, "bbbbb", pruned[0].Content)
	assert.Equal(t, "ccccc", pruned[1].Content)
}

func TestPrune_Bounds(t *testing.T) {
	// For any sequence of appends the pruned result respects every bound.
	now := time.Now().UTC()
	limits := DefaultLimits()

	var turns []Turn
	for i := 0; i < 500; i++ {
		age := time.Duration(499-i) * time.Hour
		turns = append(turns, turnAt(RoleUser, strings.Repeat("x", 700), now.Add(-age)))
	}

	pruned := Prune(turns, limits, now)

	assert.LessOrEqual(t, len(pruned), limits.MaxTurns)
	total := 0
	horizon := now.Add(-limits.MaxAge)
	for _, turn := range pruned {
		total += len(turn.Content)
		assert.False(t, turn.Timestamp.Before(horizon))
	}
	assert.LessOrEqual(t, total, limits.MaxChars)
}

func TestPrune_Empty(t *testing.T) {
	pruned := Prune(nil, DefaultLimits(), time.Now().UTC())
	assert.Empty(t, pruned)
}

func TestLedger_AppendAndLoad(t *testing.T) {
	l := testLedger(t, DefaultLimits())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := l.Append(ctx, turnAt(RoleUser, "hello", now))
	require.NoError(t, err)
	_, err = l.Append(ctx, turnAt(RoleAssistant, "hi there", now))
	require.NoError(t, err)

	turns, err := l.Load(ctx)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, RoleAssistant, turns[1].Role)
}

func TestLedger_Load_Empty(t *testing.T) {
	l := testLedger(t, DefaultLimits())

	turns, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestLedger_AppendPrunes(t *testing.T) {
	l := testLedger(t, Limits{MaxTurns: 2})
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, turnAt(RoleUser, fmt.Sprintf("m%d", i), now))
		require.NoError(t, err)
	}

	turns, err := l.Load(ctx)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "m2", turns[0].Content)
	assert.Equal(t, "m3", turns[1].Content)
}

func TestLedger_ClearDeletesJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(client, "test:")
	t.Cleanup(func() { _ = st.Close() })

	l := NewLedger(st, "sess-1", DefaultLimits())
	ctx := context.Background()

	_, err := l.Append(ctx, turnAt(RoleUser, "hello", time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "sess-1", "jobs", []byte(`[{"id":"j1"}]`)))

	require.NoError(t, l.Clear(ctx))

	turns, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, err = st.Get(ctx, "sess-1", "jobs")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLedger_Compact(t *testing.T) {
	l := testLedger(t, DefaultLimits())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := l.Append(ctx,
		turnAt(RoleUser, "stale", now.Add(-10*24*time.Hour)),
		turnAt(RoleAssistant, "fresh", now),
	)
	require.NoError(t, err)

	// Five days later the stale turn crosses the age horizon; compaction
	// drops it with no new appends.
	turns, err := l.Compact(ctx, now.Add(5*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "fresh", turns[0].Content)
}
