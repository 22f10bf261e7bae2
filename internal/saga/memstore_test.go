package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAssignsSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateInstance(ctx, Instance{ID: "wf-1", Status: InstanceRunning}))

	appended, err := store.AppendEvents(ctx, "wf-1", []HistoryEvent{
		{Kind: EventActivityScheduled, Step: 1},
		{Kind: EventActivityCompleted, Step: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 1, appended[0].Seq)
	require.Equal(t, 2, appended[1].Seq)

	appended, err = store.AppendEvents(ctx, "wf-1", []HistoryEvent{{Kind: EventTimerCreated, Step: 2}})
	require.NoError(t, err)
	require.Equal(t, 3, appended[0].Seq, "sequence continues across appends")

	history, err := store.History(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestMemoryStoreUnknownInstance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Instance(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.History(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.AppendEvents(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.UpdateInstance(ctx, Instance{ID: "missing"}), ErrNotFound)
}

func TestMemoryStoreListRunning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.CreateInstance(ctx, Instance{ID: "a", Status: InstanceRunning, CreatedAt: now}))
	require.NoError(t, store.CreateInstance(ctx, Instance{ID: "b", Status: InstanceRunning, CreatedAt: now}))

	require.NoError(t, store.UpdateInstance(ctx, Instance{ID: "b", Status: InstanceCompleted}))

	ids, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)
}
