package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/shared"
)

const (
	defaultCacheSize = 128
	executionsDir    = "executions"
	reindexWorkers   = 8
	maxIDLength      = 128
)

// Transition reasons recorded in the journal.
const (
	ReasonCreated = "created"
	ReasonUpdated = "updated"
)

// TransitionRecorder receives status changes after they are committed.
type TransitionRecorder interface {
	RecordTransitions(ctx context.Context, events []TransitionEvent) error
}

// Store is the file-backed task store. One JSON file per conversation/request
// pair lives directly under the root directory.
type Store struct {
	root   string
	logger *slog.Logger
	bus    *bus.Bus
	rec    TransitionRecorder
	now    func() time.Time
	newID  func() string

	locks     *keyedMutex
	idx       *index
	cache     *lru.Cache[string, *Collection]
	cacheSize int
	createMu  sync.Mutex
	// gen orders commits against Reindex: a commit (file write plus cache and
	// index refresh) holds it shared, Reindex holds it exclusively.
	gen sync.RWMutex
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus publishes task lifecycle events to b.
func WithBus(b *bus.Bus) Option { return func(s *Store) { s.bus = b } }

// WithRecorder journals committed status changes.
func WithRecorder(r TransitionRecorder) Option { return func(s *Store) { s.rec = r } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides uuid task ids (tests).
func WithIDGenerator(f func() string) Option { return func(s *Store) { s.newID = f } }

// WithCacheSize bounds the decoded-collection cache.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// Open prepares a store rooted at root and builds the index from whatever is
// already on disk. The directory itself is created on first write.
func Open(ctx context.Context, root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, Invalid("data_dir", "must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, storageErr("resolve data dir", err)
	}
	s := &Store{
		root:      abs,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		locks:     newKeyedMutex(),
		idx:       newIndex(),
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache, err = lru.New[string, *Collection](s.cacheSize); err != nil {
		return nil, fmt.Errorf("create collection cache: %w", err)
	}
	if err := s.Reindex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Root is the storage root directory.
func (s *Store) Root() string { return s.root }

// ExecutionsDir is where execution narratives live.
func (s *Store) ExecutionsDir() string { return filepath.Join(s.root, executionsDir) }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) pathFor(file string) string { return filepath.Join(s.root, file) }

// ValidateID rejects ids that cannot be used as part of a file name.
func ValidateID(field, v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return Invalid(field, "must not be empty")
	case len(v) > maxIDLength:
		return Invalid(field, fmt.Sprintf("must be at most %d bytes", maxIDLength))
	case v == "." || v == "..":
		return Invalid(field, "must not be a relative path element")
	case strings.ContainsAny(v, "/\\\x00"):
		return Invalid(field, "must not contain path separators")
	}
	return nil
}

func validateKey(conversationID, requestID string) error {
	verr := &ValidationError{}
	for _, f := range []struct{ name, v string }{{"conversation_id", conversationID}, {"request_id", requestID}} {
		var one *ValidationError
		if err := ValidateID(f.name, f.v); errors.As(err, &one) {
			verr.Problems = append(verr.Problems, one.Problems...)
		}
	}
	return verr.orNil()
}

// Create validates specs as a batch and persists them as the collection for
// the pair, replacing any previous collection. Nothing is written unless every
// spec is valid.
func (s *Store) Create(ctx context.Context, conversationID, requestID string, specs []TaskSpec) ([]Task, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	verr := &ValidationError{}
	if err := validateKey(conversationID, requestID); err != nil {
		var kv *ValidationError
		errors.As(err, &kv)
		verr.Problems = append(verr.Problems, kv.Problems...)
	}
	if len(specs) == 0 {
		verr.add(-1, "tasks", "at least one task is required")
	}

	key := CollectionKey{ConversationID: conversationID, RequestID: requestID}
	file := key.fileName()

	s.createMu.Lock()
	defer s.createMu.Unlock()

	batchIDs := make(map[string]int, len(specs))
	for i, spec := range specs {
		if strings.TrimSpace(spec.Title) == "" {
			verr.add(i, "task_title", "is required")
		}
		if strings.TrimSpace(spec.TargetFile) == "" {
			verr.add(i, "target_file", "is required")
		}
		if strings.TrimSpace(spec.Operation) == "" {
			verr.add(i, "operation", "is required")
		}
		if spec.ID == "" {
			continue
		}
		var idErr *ValidationError
		if errors.As(ValidateID("task_id", spec.ID), &idErr) {
			verr.add(i, "task_id", idErr.Problems[0].Message)
			continue
		}
		if first, dup := batchIDs[spec.ID]; dup {
			verr.add(i, "task_id", fmt.Sprintf("duplicates tasks[%d].task_id", first))
			continue
		}
		batchIDs[spec.ID] = i
		if owner, ok := s.idx.ownerOf(spec.ID); ok && owner.File != file {
			verr.add(i, "task_id", fmt.Sprintf("already used by %s/%s", owner.ConversationID, owner.RequestID))
		}
	}
	if existing, ok := s.idx.get(file); ok && existing.CollectionKey != key {
		verr.add(-1, "request_id", fmt.Sprintf("file name collides with collection %s/%s", existing.ConversationID, existing.RequestID))
	}
	if err := verr.orNil(); err != nil {
		return nil, "", err
	}

	unlock := s.locks.Lock(file)
	defer unlock()

	prev, err := s.readLocked(file)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	now := s.now()
	coll := &Collection{
		ConversationID: conversationID,
		RequestID:      requestID,
		Tasks:          make([]Task, len(specs)),
		UpdatedAt:      now,
	}
	for i, spec := range specs {
		id := spec.ID
		if id == "" {
			id = s.newID()
		}
		coll.Tasks[i] = Task{
			ID:                 id,
			Title:              strings.TrimSpace(spec.Title),
			TargetFile:         strings.TrimSpace(spec.TargetFile),
			Operation:          strings.TrimSpace(spec.Operation),
			SpecificOperations: spec.SpecificOperations,
			Related:            spec.Related,
			Dependencies:       append(Dependencies{}, spec.Dependencies...),
			ConversationID:     conversationID,
			RequestID:          requestID,
			Status:             TaskStatusPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	if err := s.writeCollection(file, coll); err != nil {
		return nil, "", err
	}
	if prev != nil {
		s.logger.Warn("collection overwritten", "component", "store",
			"conversation_id", conversationID, "request_id", requestID, "previous_tasks", len(prev.Tasks))
	}

	ids := make([]string, len(coll.Tasks))
	events := make([]TransitionEvent, len(coll.Tasks))
	for i, t := range coll.Tasks {
		ids[i] = t.ID
		events[i] = s.transition(ctx, t, "", TaskStatusPending, ReasonCreated)
	}
	s.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
		ConversationID: conversationID,
		RequestID:      requestID,
		TaskIDs:        ids,
	})
	s.record(ctx, events)

	out := coll.clone()
	return out.Tasks, s.pathFor(file), nil
}

// Load returns a copy of the collection for the pair.
func (s *Store) Load(ctx context.Context, conversationID, requestID string) (*Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(conversationID, requestID); err != nil {
		return nil, err
	}
	key := CollectionKey{ConversationID: conversationID, RequestID: requestID}
	c, err := s.readCollection(key.fileName())
	if err != nil {
		return nil, err
	}
	if c.Key() != key {
		return nil, fmt.Errorf("collection %s/%s: %w", conversationID, requestID, ErrNotFound)
	}
	return c, nil
}

// Save overwrites the collection file atomically and refreshes its
// updated_at. Status may only move forward and other task fields must match
// the stored copy.
func (s *Store) Save(ctx context.Context, c *Collection) error {
	if c == nil {
		return Invalid("collection", "must not be nil")
	}
	_, err := s.Update(ctx, c.ConversationID, c.RequestID, func(cur *Collection) error {
		*cur = *c.clone()
		return nil
	})
	return err
}

// Update runs fn on a fresh copy of the collection while holding its lock,
// then commits the result. fn returning ErrNoChange skips the write; any
// other error aborts. The committed (or unchanged) collection is returned.
func (s *Store) Update(ctx context.Context, conversationID, requestID string, fn func(*Collection) error) (*Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(conversationID, requestID); err != nil {
		return nil, err
	}
	key := CollectionKey{ConversationID: conversationID, RequestID: requestID}
	file := key.fileName()

	unlock := s.locks.Lock(file)
	defer unlock()

	prev, err := s.readLocked(file)
	if err != nil {
		return nil, err
	}
	if prev.Key() != key {
		return nil, fmt.Errorf("collection %s/%s: %w", conversationID, requestID, ErrNotFound)
	}
	next := prev.clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return prev, nil
		}
		return nil, err
	}
	events, err := s.diff(ctx, prev, next)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	if err := s.writeCollection(file, next); err != nil {
		return nil, err
	}
	for _, ev := range events {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:         ev.TaskID,
			ConversationID: ev.ConversationID,
			RequestID:      ev.RequestID,
			OldStatus:      string(ev.From),
			NewStatus:      string(ev.To),
		})
	}
	s.record(ctx, events)
	return next.clone(), nil
}

// diff checks that next is a legal successor of prev and returns the status
// transitions it contains.
func (s *Store) diff(ctx context.Context, prev, next *Collection) ([]TransitionEvent, error) {
	if next.Key() != prev.Key() {
		return nil, Invalid("collection", "conversation_id and request_id are immutable")
	}
	if len(next.Tasks) != len(prev.Tasks) {
		return nil, Invalid("tasks", "tasks cannot be added or removed after creation")
	}
	var events []TransitionEvent
	for i := range next.Tasks {
		a, b := prev.Tasks[i], next.Tasks[i]
		if !sameIdentity(a, b) {
			return nil, Invalid("tasks", fmt.Sprintf("task %s: only status and updated_at may change", a.ID))
		}
		if !b.Status.Valid() {
			return nil, Invalid("status", fmt.Sprintf("task %s: unknown status %q", a.ID, b.Status))
		}
		if statusRank[b.Status] < statusRank[a.Status] {
			return nil, fmt.Errorf("task %s: illegal transition %s -> %s: %w", a.ID, a.Status, b.Status, ErrConflict)
		}
		if b.UpdatedAt.Before(b.CreatedAt) {
			return nil, Invalid("updated_at", fmt.Sprintf("task %s: updated_at precedes created_at", a.ID))
		}
		if a.Status != b.Status {
			events = append(events, s.transition(ctx, b, a.Status, b.Status, ReasonUpdated))
		}
	}
	return events, nil
}

// Filter narrows Query. Empty fields match everything.
type Filter struct {
	ConversationID string
	Status         TaskStatus
	TitleContains  string
}

func (f Filter) matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	return true
}

// Query returns matching tasks: collections in file-name order, tasks in
// creation order within each collection.
func (s *Store) Query(ctx context.Context, f Filter) ([]Task, error) {
	return s.QueryVisit(ctx, f, nil)
}

// QueryVisit is Query that calls visit after each collection it reads, with
// the number of that collection's tasks that matched. Collections the index
// rules out are not read and not visited.
func (s *Store) QueryVisit(ctx context.Context, f Filter, visit func(info CollectionInfo, matched int)) ([]Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, Invalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	out := []Task{}
	for _, info := range s.idx.list(f.ConversationID) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Status != "" && info.Counts.Of(f.Status) == 0 {
			continue
		}
		c, err := s.readCollection(info.File)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		before := len(out)
		for i := range c.Tasks {
			if f.matches(&c.Tasks[i]) {
				out = append(out, c.Tasks[i])
			}
		}
		if visit != nil {
			visit(info, len(out)-before)
		}
	}
	return out, nil
}

// Collections lists index entries in file-name order.
func (s *Store) Collections(conversationID string) []CollectionInfo {
	return s.idx.list(conversationID)
}

// FindTask resolves a task id to its owning collection.
func (s *Store) FindTask(ctx context.Context, taskID string) (Task, CollectionKey, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, CollectionKey{}, err
	}
	info, ok := s.idx.ownerOf(taskID)
	if !ok {
		return Task{}, CollectionKey{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	c, err := s.readCollection(info.File)
	if err != nil {
		return Task{}, CollectionKey{}, err
	}
	if i := c.TaskIndex(taskID); i >= 0 {
		return c.Tasks[i], c.Key(), nil
	}
	return Task{}, CollectionKey{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
}

// HasTask reports whether taskID is known to the index.
func (s *Store) HasTask(taskID string) bool {
	_, ok := s.idx.ownerOf(taskID)
	return ok
}

// IndexSize reports the number of indexed collections and tasks.
func (s *Store) IndexSize() (collections, tasks int) {
	return s.idx.size()
}

// Reindex rebuilds the index from the files on disk and purges the cache.
// Files that cannot be decoded are logged and skipped. Commits wait while the
// scan runs, so none is lost from the rebuilt index.
func (s *Store) Reindex(ctx context.Context) error {
	s.gen.Lock()
	defer s.gen.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			s.idx.replace(nil)
			s.cache.Purge()
			return nil
		}
		return storageErr("read data dir", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, e.Name())
	}

	infos := make([]*CollectionInfo, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reindexWorkers)
	for i, name := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c, err := s.decodeFile(name)
			if err != nil {
				s.logger.Warn("skipping unreadable collection", "component", "store", "file", name, "error", err)
				return nil
			}
			if c.Key().fileName() != name {
				s.logger.Warn("skipping collection with mismatched file name", "component", "store", "file", name)
				return nil
			}
			info := infoFor(name, c)
			infos[i] = &info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := make([]CollectionInfo, 0, len(infos))
	seen := make(map[string]string)
	for _, info := range infos {
		if info == nil {
			continue
		}
		for _, id := range info.TaskIDs {
			if other, dup := seen[id]; dup {
				s.logger.Error("duplicate task id on disk", "component", "store", "task_id", id, "file", info.File, "other_file", other)
			}
			seen[id] = info.File
		}
		out = append(out, *info)
	}
	s.cache.Purge()
	s.idx.replace(out)
	return nil
}

// readCollection serves readers that do not hold the file lock. A miss is
// decoded but not cached: the copy may already be older than a concurrent
// commit's cache entry.
func (s *Store) readCollection(file string) (*Collection, error) {
	if c, ok := s.cache.Get(file); ok {
		return c.clone(), nil
	}
	return s.decodeFile(file)
}

// readLocked is readCollection for holders of the file lock, whose decoded
// copy is current and may be cached.
func (s *Store) readLocked(file string) (*Collection, error) {
	if c, ok := s.cache.Get(file); ok {
		return c.clone(), nil
	}
	c, err := s.decodeFile(file)
	if err != nil {
		return nil, err
	}
	s.cache.Add(file, c.clone())
	return c, nil
}

func (s *Store) decodeFile(file string) (*Collection, error) {
	data, err := os.ReadFile(s.pathFor(file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("collection file %s: %w", file, ErrNotFound)
		}
		return nil, storageErr("read collection", err)
	}
	var c Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, storageErr("decode collection "+file, err)
	}
	if c.Tasks == nil {
		c.Tasks = []Task{}
	}
	return &c, nil
}

func (s *Store) writeCollection(file string, c *Collection) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}
	s.gen.RLock()
	defer s.gen.RUnlock()
	if err := atomicWrite(s.pathFor(file), append(data, '\n'), 0o644); err != nil {
		return storageErr("write collection", err)
	}
	s.cache.Add(file, c.clone())
	s.idx.put(infoFor(file, c))
	return nil
}

func (s *Store) transition(ctx context.Context, t Task, from, to TaskStatus, reason string) TransitionEvent {
	return TransitionEvent{
		EventID:        uuid.NewString(),
		TaskID:         t.ID,
		ConversationID: t.ConversationID,
		RequestID:      t.RequestID,
		From:           from,
		To:             to,
		Reason:         reason,
		TraceID:        shared.TraceID(ctx),
		CreatedAt:      t.UpdatedAt,
	}
}

// record journals committed transitions. Failures are logged, never returned:
// the collection file is the source of truth.
func (s *Store) record(ctx context.Context, events []TransitionEvent) {
	if s.rec == nil || len(events) == 0 {
		return
	}
	if err := s.rec.RecordTransitions(context.WithoutCancel(ctx), events); err != nil {
		s.logger.Error("journal write failed", "component", "store", "events", len(events), "error", err)
	}
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over path.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
