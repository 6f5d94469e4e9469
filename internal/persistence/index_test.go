package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndex_SortedAndReplacesTaskOwnership(t *testing.T) {
	ix := newIndex()
	ix.put(CollectionInfo{CollectionKey: CollectionKey{"b", "1"}, File: "b_1.json", TaskIDs: []string{"t1", "t2"}})
	ix.put(CollectionInfo{CollectionKey: CollectionKey{"a", "1"}, File: "a_1.json", TaskIDs: []string{"t3"}})

	list := ix.list("")
	assert.Equal(t, "a_1.json", list[0].File)
	assert.Equal(t, "b_1.json", list[1].File)

	ix.put(CollectionInfo{CollectionKey: CollectionKey{"b", "1"}, File: "b_1.json", TaskIDs: []string{"t4"}})
	_, ok := ix.ownerOf("t1")
	assert.False(t, ok)
	owner, ok := ix.ownerOf("t4")
	assert.True(t, ok)
	assert.Equal(t, "b", owner.ConversationID)

	colls, tasks := ix.size()
	assert.Equal(t, 2, colls)
	assert.Equal(t, 2, tasks)
	assert.Len(t, ix.list("a"), 1)

	ix.replace(nil)
	colls, tasks = ix.size()
	assert.Zero(t, colls+tasks)
}
