package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingStore_AppendAndQuery(t *testing.T) {
	store := NewRingStore(4)
	ctx := context.Background()

	for i, user := range []string{"alice", "bob", "alice", "carol"} {
		require.NoError(t, store.Append(ctx, &Event{Cmd: "ps", User: user, Code: i}))
	}

	got, err := store.Query(ctx, QueryOptions{User: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		require.Equal(t, "alice", e.User)
	}
}

func TestRingStore_EvictsOldestPastCapacity(t *testing.T) {
	store := NewRingStore(2)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Event{Cmd: "a"}))
	require.NoError(t, store.Append(ctx, &Event{Cmd: "b"}))
	require.NoError(t, store.Append(ctx, &Event{Cmd: "c"}))

	got, err := store.Query(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	cmds := []string{got[0].Cmd, got[1].Cmd}
	require.NotContains(t, cmds, "a")
}

func TestLogger_LogCommand_NeverErrorsOnBrokenSink(t *testing.T) {
	logger := NewLogger(brokenStore{})
	require.NotPanics(t, func() {
		logger.LogCommand(context.Background(), "run", "alice", "t1", 0, "", time.Millisecond)
	})
}

type brokenStore struct{}

func (brokenStore) Append(ctx context.Context, event *Event) error {
	return errSinkDown
}
func (brokenStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	return nil, errSinkDown
}

var errSinkDown = errors.New("sink down")

func TestLogger_DefaultsToRingStore(t *testing.T) {
	logger := NewLogger(nil)
	require.NotNil(t, logger.store)
	_, ok := logger.store.(*RingStore)
	require.True(t, ok)
}
