package database

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrInvalidPath   = errors.New("invalid document path")
)

// Document is a single stored document. Data always holds JSON-compatible
// values (string, float64, bool, []any, map[string]any, nil) regardless of
// the backend.
type Document struct {
	Path       string
	ID         string
	Data       map[string]any
	CreateTime time.Time
	UpdateTime time.Time
}

// Collection returns the path of the collection holding the document.
func (d *Document) Collection() string {
	return path.Dir(d.Path)
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is a single entry of a collection watch. Snapshot marks the
// changes that make up the initial listing of the watch.
type Change struct {
	Type     ChangeType
	Doc      *Document
	Snapshot bool
}

const (
	OpEqual         = "=="
	OpArrayContains = "array-contains"
)

type Filter struct {
	Field string
	Op    string
	Value any
}

// Query narrows List and Watch results. A zero Query matches every document
// in the collection ordered by document id.
type Query struct {
	Where   []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

func (q Query) WhereEqual(field string, value any) Query {
	q.Where = append(append([]Filter(nil), q.Where...), Filter{Field: field, Op: OpEqual, Value: value})
	return q
}

func (q Query) WhereContains(field string, value any) Query {
	q.Where = append(append([]Filter(nil), q.Where...), Filter{Field: field, Op: OpArrayContains, Value: value})
	return q
}

type Reader interface {
	Get(ctx context.Context, docPath string) (*Document, error)
	List(ctx context.Context, collection string, q Query) ([]*Document, error)
}

// Tx is the view of the store inside RunTransaction. Reads observe the
// transaction's own pending writes.
type Tx interface {
	Reader
	Create(ctx context.Context, docPath string, data map[string]any) error
	Set(ctx context.Context, docPath string, data map[string]any) error
	Delete(ctx context.Context, docPath string) error
}

// Store is the document store every service talks to.
type Store interface {
	Reader
	Create(ctx context.Context, docPath string, data map[string]any) error
	Set(ctx context.Context, docPath string, data map[string]any) error
	Delete(ctx context.Context, docPath string) error
	// RunTransaction runs fn atomically. Returning an error from fn discards
	// every write made through tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Watch streams changes to the documents of collection matching q. The
	// first changes delivered are ChangeAdded entries for the documents that
	// already match.
	Watch(ctx context.Context, collection string, q Query) (*Watcher, error)
	Ping(ctx context.Context) error
	Close() error
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func validSegments(segs []string) bool {
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return false
		}
	}
	return true
}

// checkDocPath validates a document path and returns its collection and id.
func checkDocPath(p string) (string, string, error) {
	segs := splitPath(p)
	if len(segs) == 0 || len(segs)%2 != 0 || !validSegments(segs) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

func checkCollectionPath(p string) (string, error) {
	segs := splitPath(p)
	if len(segs)%2 != 1 || !validSegments(segs) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return strings.Join(segs, "/"), nil
}
