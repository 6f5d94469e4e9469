package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_HistoryLifecycle(t *testing.T) {
	j := openTestJournal(t)
	s := openTestStore(t, WithRecorder(j))
	ctx := context.Background()

	tasks, _, err := s.Create(ctx, "c", "r", []TaskSpec{spec("A")})
	require.NoError(t, err)
	id := tasks[0].ID
	for _, st := range []TaskStatus{TaskStatusInProgress, TaskStatusCompleted} {
		_, err := s.Update(ctx, "c", "r", func(c *Collection) error {
			c.Tasks[0].Status = st
			c.Tasks[0].UpdatedAt = s.Now()
			return nil
		})
		require.NoError(t, err)
	}

	hist, err := j.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, TaskStatus(""), hist[0].From)
	assert.Equal(t, TaskStatusPending, hist[0].To)
	assert.Equal(t, TaskStatusInProgress, hist[1].To)
	assert.Equal(t, TaskStatusCompleted, hist[2].To)
	assert.Less(t, hist[0].Seq, hist[1].Seq)

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestJournal_HistoryUnknownTaskIsEmpty(t *testing.T) {
	j := openTestJournal(t)
	hist, err := j.History(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestJournal_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordTransitions(context.Background(), []TransitionEvent{{
		EventID: "e1", TaskID: "t1", ConversationID: "c", RequestID: "r",
		To: TaskStatusPending, Reason: ReasonCreated, TraceID: "-", CreatedAt: time.Now(),
	}}))
	require.NoError(t, j.Close())

	again, err := OpenJournal(path)
	require.NoError(t, err)
	defer again.Close()
	hist, err := again.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Empty(t, hist[0].TraceID)
}

func TestJournal_Prune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, j.RecordTransitions(ctx, []TransitionEvent{
		{EventID: "old", TaskID: "t", ConversationID: "c", RequestID: "r", To: TaskStatusPending, Reason: ReasonCreated, CreatedAt: old},
		{EventID: "new", TaskID: "t", ConversationID: "c", RequestID: "r", To: TaskStatusInProgress, Reason: ReasonUpdated, CreatedAt: time.Now()},
	}))

	res, err := j.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Transitions)

	res, err = j.Prune(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Transitions)
	hist, err := j.History(ctx, "t")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "new", hist[0].EventID)
}
