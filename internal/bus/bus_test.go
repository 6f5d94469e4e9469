package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

func TestPublish_TaskTopicsReachTaskSubscribers(t *testing.T) {
	b := New()
	tasks := b.Subscribe("task.")
	all := b.Subscribe("")
	defer b.Unsubscribe(tasks)
	defer b.Unsubscribe(all)

	assert.Equal(t, 2, b.Publish(TopicTaskCreated, TaskCreatedEvent{ConversationID: "c", RequestID: "r", TaskIDs: []string{"t1"}}))
	assert.Equal(t, 2, b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t1", OldStatus: "pending", NewStatus: "in_progress"}))
	assert.Equal(t, 2, b.Publish(TopicExecutionSaved, ExecutionSavedEvent{TaskID: "t1", Created: true, Chars: 12}))
	assert.Equal(t, 1, b.Publish(TopicStreamEvent, "seq 1"))

	created, ok := receive(t, tasks).Payload.(TaskCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, []string{"t1"}, created.TaskIDs)

	changed, ok := receive(t, tasks).Payload.(TaskStateChangedEvent)
	require.True(t, ok)
	assert.Equal(t, "in_progress", changed.NewStatus)

	assert.Equal(t, TopicExecutionSaved, receive(t, tasks).Topic)
	assert.Len(t, tasks.Ch(), 0, "stream events stay off the task prefix")
	assert.Len(t, all.Ch(), 4)
}

func TestPublish_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("task.", 3)
	defer b.Unsubscribe(sub)

	delivered := 0
	for i := 0; i < 8; i++ {
		delivered += b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t"})
	}
	assert.Equal(t, 3, delivered)
	assert.Len(t, sub.Ch(), 3)
	assert.EqualValues(t, 5, sub.Dropped())
}

func TestSubscribe_DefaultBuffer(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("", 0)
	defer b.Unsubscribe(sub)
	assert.Equal(t, defaultBufferSize, cap(sub.Ch()))
}

func TestUnsubscribe_ClosesOnce(t *testing.T) {
	b := New()
	keep := b.Subscribe("task.")
	gone := b.Subscribe("task.")
	require.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(gone)
	b.Unsubscribe(gone)
	b.Unsubscribe(nil)
	assert.Equal(t, 1, b.SubscriberCount())

	_, open := <-gone.Ch()
	assert.False(t, open)

	assert.Equal(t, 1, b.Publish(TopicTaskCreated, TaskCreatedEvent{}))
	receive(t, keep)
	b.Unsubscribe(keep)
}

func TestPublish_Concurrent(t *testing.T) {
	const publishers, each = 8, 20
	b := New()
	sub := b.SubscribeBuffered("", publishers*each)
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicTaskStateChanged, TaskStateChangedEvent{TaskID: "t"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, sub.Ch(), publishers*each)
	assert.Zero(t, sub.Dropped())
}

func TestPublish_NilBus(t *testing.T) {
	var b *Bus
	assert.Zero(t, b.Publish(TopicTaskCreated, TaskCreatedEvent{}))
}
