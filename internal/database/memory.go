package database

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transactions are serialized on a
// single lock, so they never conflict. It backs development mode and the
// service tests.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]*Document
	watchers map[string]map[*watchState]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*Document),
		watchers: make(map[string]map[*watchState]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func copyDoc(d *Document) *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Data = deepCopy(d.Data)
	return &c
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = copyValue(t[i])
		}
		return s
	}
	return v
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	states := make([]*watchState, 0)
	for _, set := range m.watchers {
		for s := range set {
			states = append(states, s)
		}
	}
	m.mu.Unlock()

	for _, s := range states {
		s.w.Close()
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, docPath string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(ctx, nil, docPath)
}

func (m *MemoryStore) get(ctx context.Context, staged map[string]*Document, docPath string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, _, err := checkDocPath(docPath); err != nil {
		return nil, err
	}
	docPath = strings.Trim(docPath, "/")
	if d, ok := staged[docPath]; ok {
		if d == nil {
			return nil, ErrNotFound
		}
		return copyDoc(d), nil
	}
	d, ok := m.docs[docPath]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(d), nil
}

func (m *MemoryStore) List(ctx context.Context, collection string, q Query) ([]*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(ctx, nil, collection, q)
}

func (m *MemoryStore) list(ctx context.Context, staged map[string]*Document, collection string, q Query) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coll, err := checkCollectionPath(collection)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*Document)
	for p, d := range m.docs {
		if d.Collection() == coll {
			merged[p] = d
		}
	}
	for p, d := range staged {
		if d == nil {
			delete(merged, p)
			continue
		}
		if d.Collection() == coll {
			merged[p] = d
		}
	}

	docs := make([]*Document, 0, len(merged))
	for _, d := range merged {
		docs = append(docs, copyDoc(d))
	}
	return applyQuery(docs, q), nil
}

func (m *MemoryStore) Create(ctx context.Context, docPath string, data map[string]any) error {
	return m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Create(ctx, docPath, data)
	})
}

func (m *MemoryStore) Set(ctx context.Context, docPath string, data map[string]any) error {
	return m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(ctx, docPath, data)
	})
}

func (m *MemoryStore) Delete(ctx context.Context, docPath string) error {
	return m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Delete(ctx, docPath)
	})
}

// RunTransaction holds the store lock for the whole of fn. fn must only use
// tx; calling the store directly from fn deadlocks.
func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	tx := &memoryTx{store: m, staged: make(map[string]*Document)}
	if err := fn(ctx, tx); err != nil {
		m.mu.Unlock()
		return err
	}

	type write struct {
		path string
		doc  *Document
	}
	writes := make([]write, 0, len(tx.order))
	for _, p := range tx.order {
		d := tx.staged[p]
		if d == nil {
			delete(m.docs, p)
		} else {
			m.docs[p] = d
		}
		writes = append(writes, write{path: p, doc: copyDoc(d)})
	}

	// watchers are fed under the store lock so every watcher observes
	// commits in order; apply never blocks
	for _, wr := range writes {
		coll, _, _ := checkDocPath(wr.path)
		for s := range m.watchers[coll] {
			s.apply(wr.path, copyDoc(wr.doc))
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Watch(ctx context.Context, collection string, q Query) (*Watcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coll, err := checkCollectionPath(collection)
	if err != nil {
		return nil, err
	}
	// limits apply to listings, not to the live stream
	q.Limit = 0

	var state *watchState
	w := newWatcher(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.watchers[coll]; ok {
			delete(set, state)
			if len(set) == 0 {
				delete(m.watchers, coll)
			}
		}
	})
	state = newWatchState(coll, q, w)

	m.mu.Lock()
	if m.watchers[coll] == nil {
		m.watchers[coll] = make(map[*watchState]struct{})
	}
	m.watchers[coll][state] = struct{}{}
	docs, err := m.list(ctx, nil, coll, q)
	// the initial snapshot is recorded before any later write can be applied
	state.mu.Lock()
	m.mu.Unlock()
	if err == nil {
		state.resetLocked(docs)
	}
	state.mu.Unlock()
	if err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.Done():
		}
	}()
	return w, nil
}

// Len reports how many documents the store holds under prefix.
func (m *MemoryStore) Len(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix = strings.Trim(prefix, "/")
	n := 0
	for p := range m.docs {
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			n++
		}
	}
	return n
}

// WatchCount reports how many watches are open.
func (m *MemoryStore) WatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, states := range m.watchers {
		n += len(states)
	}
	return n
}

type memoryTx struct {
	store  *MemoryStore
	staged map[string]*Document
	order  []string
}

func (t *memoryTx) Get(ctx context.Context, docPath string) (*Document, error) {
	return t.store.get(ctx, t.staged, docPath)
}

func (t *memoryTx) List(ctx context.Context, collection string, q Query) ([]*Document, error) {
	return t.store.list(ctx, t.staged, collection, q)
}

func (t *memoryTx) stage(docPath string, d *Document) {
	if _, ok := t.staged[docPath]; !ok {
		t.order = append(t.order, docPath)
	}
	t.staged[docPath] = d
}

func (t *memoryTx) Create(ctx context.Context, docPath string, data map[string]any) error {
	if _, err := t.Get(ctx, docPath); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return t.write(docPath, data)
}

func (t *memoryTx) Set(ctx context.Context, docPath string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.write(docPath, data)
}

func (t *memoryTx) write(docPath string, data map[string]any) error {
	_, id, err := checkDocPath(docPath)
	if err != nil {
		return err
	}
	docPath = strings.Trim(docPath, "/")
	norm, err := normalize(data)
	if err != nil {
		return err
	}

	now := t.store.now()
	created := now
	if prev, ok := t.staged[docPath]; ok && prev != nil {
		created = prev.CreateTime
	} else if prev, ok := t.store.docs[docPath]; ok && !t.isDeleted(docPath) {
		created = prev.CreateTime
	}

	t.stage(docPath, &Document{
		Path:       docPath,
		ID:         id,
		Data:       maps.Clone(norm),
		CreateTime: created,
		UpdateTime: now,
	})
	return nil
}

func (t *memoryTx) isDeleted(docPath string) bool {
	d, ok := t.staged[docPath]
	return ok && d == nil
}

func (t *memoryTx) Delete(ctx context.Context, docPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := checkDocPath(docPath); err != nil {
		return err
	}
	t.stage(strings.Trim(docPath, "/"), nil)
	return nil
}
