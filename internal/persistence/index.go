package persistence

import (
	"slices"
	"sync"
	"time"
)

// CollectionInfo is the index entry for one collection file.
type CollectionInfo struct {
	CollectionKey
	File      string       `json:"file"`
	TaskIDs   []string     `json:"task_ids"`
	Counts    StatusCounts `json:"counts"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func infoFor(file string, c *Collection) CollectionInfo {
	ids := make([]string, len(c.Tasks))
	for i := range c.Tasks {
		ids[i] = c.Tasks[i].ID
	}
	return CollectionInfo{
		CollectionKey: c.Key(),
		File:          file,
		TaskIDs:       ids,
		Counts:        countStatuses(c.Tasks),
		UpdatedAt:     c.UpdatedAt,
	}
}

// index keeps collection metadata sorted by file name plus a task id lookup.
// It never calls back into the store.
type index struct {
	mu     sync.RWMutex
	byFile map[string]CollectionInfo
	files  []string
	owner  map[string]string
}

func newIndex() *index {
	return &index{
		byFile: make(map[string]CollectionInfo),
		owner:  make(map[string]string),
	}
}

func (ix *index) put(info CollectionInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.putLocked(info)
}

func (ix *index) putLocked(info CollectionInfo) {
	if prev, ok := ix.byFile[info.File]; ok {
		for _, id := range prev.TaskIDs {
			if ix.owner[id] == info.File {
				delete(ix.owner, id)
			}
		}
	} else {
		pos, _ := slices.BinarySearch(ix.files, info.File)
		ix.files = slices.Insert(ix.files, pos, info.File)
	}
	ix.byFile[info.File] = info
	for _, id := range info.TaskIDs {
		ix.owner[id] = info.File
	}
}

// replace swaps the whole index for infos.
func (ix *index) replace(infos []CollectionInfo) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byFile = make(map[string]CollectionInfo, len(infos))
	ix.owner = make(map[string]string)
	ix.files = ix.files[:0]
	for _, info := range infos {
		ix.putLocked(info)
	}
}

func (ix *index) ownerOf(taskID string) (CollectionInfo, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	file, ok := ix.owner[taskID]
	if !ok {
		return CollectionInfo{}, false
	}
	info, ok := ix.byFile[file]
	return info, ok
}

func (ix *index) get(file string) (CollectionInfo, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	info, ok := ix.byFile[file]
	return info, ok
}

// list returns collections in file-name order, optionally restricted to one
// conversation.
func (ix *index) list(conversationID string) []CollectionInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]CollectionInfo, 0, len(ix.files))
	for _, f := range ix.files {
		info := ix.byFile[f]
		if conversationID != "" && info.ConversationID != conversationID {
			continue
		}
		out = append(out, info)
	}
	return out
}

func (ix *index) size() (collections, tasks int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byFile), len(ix.owner)
}
