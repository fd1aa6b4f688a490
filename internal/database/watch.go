package database

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Watcher delivers the changes of one collection watch. Changes are queued
// without bound so that a slow consumer never blocks the store.
type Watcher struct {
	changes chan Change
	signal  chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	queue   []Change
	once    sync.Once
	release func()
}

func newWatcher(release func()) *Watcher {
	w := &Watcher{
		changes: make(chan Change),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go w.pump()
	return w
}

// Changes returns the change stream. It is closed after Close.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Close stops the watch and releases its backend resources. It is safe to
// call more than once.
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.release != nil {
			w.release()
		}
	})
}

// Done is closed once the watcher has been closed.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) push(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	w.mu.Lock()
	w.queue = append(w.queue, changes...)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Watcher) pump() {
	defer close(w.changes)
	for {
		w.mu.Lock()
		pending := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, c := range pending {
			select {
			case w.changes <- c:
			case <-w.done:
				return
			}
		}

		select {
		case <-w.signal:
		case <-w.done:
			return
		}
	}
}

// watchState turns raw document writes into added/modified/removed changes
// for a single watcher by tracking which paths currently match its query.
type watchState struct {
	mu         sync.Mutex
	collection string
	query      Query
	seen       map[string]struct{}
	w          *Watcher
	// initial is set while the first listing is being applied
	initial bool
	primed  bool
}

func newWatchState(collection string, q Query, w *Watcher) *watchState {
	return &watchState{
		collection: collection,
		query:      q,
		seen:       make(map[string]struct{}),
		w:          w,
	}
}

// apply records the new state of docPath; doc is nil when the document no
// longer exists.
func (s *watchState) apply(docPath string, doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(docPath, doc)
}

func (s *watchState) applyLocked(docPath string, doc *Document) {
	_, wasSeen := s.seen[docPath]
	if doc != nil && matches(doc, s.query) {
		s.seen[docPath] = struct{}{}
		if wasSeen {
			s.w.push(Change{Type: ChangeModified, Doc: doc, Snapshot: s.initial})
		} else {
			s.w.push(Change{Type: ChangeAdded, Doc: doc, Snapshot: s.initial})
		}
		return
	}

	if !wasSeen {
		return
	}
	delete(s.seen, docPath)
	removed := doc
	if removed == nil {
		_, id, _ := checkDocPath(docPath)
		removed = &Document{Path: docPath, ID: id}
	}
	s.w.push(Change{Type: ChangeRemoved, Doc: removed})
}

// reset replaces the tracked set with a full listing, emitting the
// differences. Used for the initial snapshot and after a lost connection.
func (s *watchState) reset(docs []*Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(docs)
}

func (s *watchState) resetLocked(docs []*Document) {
	s.initial = !s.primed
	defer func() {
		s.initial = false
		s.primed = true
	}()

	current := make(map[string]*Document, len(docs))
	for _, d := range docs {
		current[d.Path] = d
	}

	stale := make([]string, 0)
	for p := range s.seen {
		if _, ok := current[p]; !ok {
			stale = append(stale, p)
		}
	}

	for _, d := range docs {
		s.applyLocked(d.Path, d)
	}
	sort.Strings(stale)
	for _, p := range stale {
		s.applyLocked(p, nil)
	}
}

// normalize converts arbitrary Go values into their JSON-decoded form so
// that every backend stores and returns the same shapes.
func normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func matches(doc *Document, q Query) bool {
	for _, f := range q.Where {
		got, ok := doc.Data[f.Field]
		if !ok {
			return false
		}
		want := normalizeValue(f.Value)
		switch f.Op {
		case OpArrayContains:
			items, ok := got.([]any)
			if !ok {
				return false
			}
			found := false
			for _, it := range items {
				if reflect.DeepEqual(it, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		}
	}
	return true
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	// missing values sort first
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return 0
}

// applyQuery filters, orders and limits docs in place of a backend query.
func applyQuery(docs []*Document, q Query) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if matches(d, q) {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
			if q.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
