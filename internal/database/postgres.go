package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	changeChannel  = "document_changes"
	maxTxAttempts  = 5
	listenerPing   = 90 * time.Second
	refreshTimeout = 10 * time.Second
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PgStore keeps every document in a single JSONB table. Watches are fed by
// a trigger that publishes each write on the document_changes channel.
type PgStore struct {
	conn     *sql.DB
	log      *log.Logger
	listener *pq.Listener

	mu       sync.Mutex
	watchers map[string]map[*watchState]struct{}

	stop chan struct{}
	done chan struct{}
}

var _ Store = (*PgStore)(nil)

type changeNotification struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	Path       string `json:"path"`
}

func NewPgStore(dsn string, logger *log.Logger) (*PgStore, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &PgStore{
		conn:     db,
		log:      logger,
		watchers: make(map[string]map[*watchState]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, s.listenerEvent)
	if err := s.listener.Listen(changeChannel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("listen %s: %w", changeChannel, err)
	}

	go s.dispatch()
	return s, nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *PgStore) Close() error {
	close(s.stop)
	<-s.done

	s.mu.Lock()
	states := make([]*watchState, 0)
	for _, set := range s.watchers {
		for st := range set {
			states = append(states, st)
		}
	}
	s.mu.Unlock()
	for _, st := range states {
		st.w.Close()
	}

	if err := s.listener.Close(); err != nil {
		s.log.Println("close listener:", err)
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func scanDocument(scan func(dest ...any) error) (*Document, error) {
	var (
		d   Document
		raw []byte
	)
	if err := scan(&d.Path, &d.ID, &raw, &d.CreateTime, &d.UpdateTime); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.Path, err)
	}
	if d.Data == nil {
		d.Data = map[string]any{}
	}
	d.CreateTime = d.CreateTime.UTC()
	d.UpdateTime = d.UpdateTime.UTC()
	return &d, nil
}

func getDocument(ctx context.Context, q queryer, docPath string) (*Document, error) {
	if _, _, err := checkDocPath(docPath); err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx,
		"SELECT path, doc_id, data, create_time, update_time FROM documents "+
			"WHERE path = $1 LIMIT 1",
		strings.Trim(docPath, "/"),
	)

	d, err := scanDocument(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func buildListQuery(collection string, q Query) (string, []any, error) {
	var b strings.Builder
	args := []any{collection}
	b.WriteString("SELECT path, doc_id, data, create_time, update_time FROM documents WHERE collection = $1")

	for _, f := range q.Where {
		var operand any = f.Value
		op := "="
		if f.Op == OpArrayContains {
			operand = []any{f.Value}
			op = "@>"
		}
		raw, err := json.Marshal(operand)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter %s: %w", f.Field, err)
		}
		args = append(args, f.Field, string(raw))
		fmt.Fprintf(&b, " AND data -> $%d::text %s $%d::jsonb", len(args)-1, op, len(args))
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		if q.Desc {
			fmt.Fprintf(&b, " ORDER BY data ->> $%d::text DESC NULLS LAST, doc_id", len(args))
		} else {
			fmt.Fprintf(&b, " ORDER BY data ->> $%d::text ASC NULLS FIRST, doc_id", len(args))
		}
	} else {
		b.WriteString(" ORDER BY doc_id")
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func listDocuments(ctx context.Context, qr queryer, collection string, q Query) ([]*Document, error) {
	coll, err := checkCollectionPath(collection)
	if err != nil {
		return nil, err
	}
	query, args, err := buildListQuery(coll, q)
	if err != nil {
		return nil, err
	}

	rows, err := qr.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	defer rows.Close()

	docs := make([]*Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return docs, nil
}

func encodeData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(raw), nil
}

func createDocument(ctx context.Context, q queryer, docPath string, data map[string]any) error {
	coll, id, err := checkDocPath(docPath)
	if err != nil {
		return err
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		"INSERT INTO documents (path, collection, doc_id, data, create_time, update_time) "+
			"VALUES ($1, $2, $3, $4::jsonb, $5, $5) ON CONFLICT (path) DO NOTHING",
		strings.Trim(docPath, "/"), coll, id, raw, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func setDocument(ctx context.Context, q queryer, docPath string, data map[string]any) error {
	coll, id, err := checkDocPath(docPath)
	if err != nil {
		return err
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx,
		"INSERT INTO documents (path, collection, doc_id, data, create_time, update_time) "+
			"VALUES ($1, $2, $3, $4::jsonb, $5, $5) "+
			"ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, update_time = EXCLUDED.update_time",
		strings.Trim(docPath, "/"), coll, id, raw, time.Now().UTC(),
	)
	return err
}

func deleteDocument(ctx context.Context, q queryer, docPath string) error {
	if _, _, err := checkDocPath(docPath); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, "DELETE FROM documents WHERE path = $1", strings.Trim(docPath, "/"))
	return err
}

func (s *PgStore) Get(ctx context.Context, docPath string) (*Document, error) {
	return getDocument(ctx, s.conn, docPath)
}

func (s *PgStore) List(ctx context.Context, collection string, q Query) ([]*Document, error) {
	return listDocuments(ctx, s.conn, collection, q)
}

func (s *PgStore) Create(ctx context.Context, docPath string, data map[string]any) error {
	return createDocument(ctx, s.conn, docPath, data)
}

func (s *PgStore) Set(ctx context.Context, docPath string, data map[string]any) error {
	return setDocument(ctx, s.conn, docPath, data)
}

func (s *PgStore) Delete(ctx context.Context, docPath string) error {
	return deleteDocument(ctx, s.conn, docPath)
}

// RunTransaction runs fn in a serializable transaction, retrying it when
// Postgres reports a serialization failure or deadlock. Errors returned by
// fn itself are never retried.
func (s *PgStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !isContention(err) || attempt == maxTxAttempts {
			return err
		}
		s.log.Printf("transaction contention (attempt %d): %v", attempt, err)
	}
}

func (s *PgStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func isContention(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, docPath string) (*Document, error) {
	return getDocument(ctx, t.tx, docPath)
}

func (t *pgTx) List(ctx context.Context, collection string, q Query) ([]*Document, error) {
	return listDocuments(ctx, t.tx, collection, q)
}

func (t *pgTx) Create(ctx context.Context, docPath string, data map[string]any) error {
	return createDocument(ctx, t.tx, docPath, data)
}

func (t *pgTx) Set(ctx context.Context, docPath string, data map[string]any) error {
	return setDocument(ctx, t.tx, docPath, data)
}

func (t *pgTx) Delete(ctx context.Context, docPath string) error {
	return deleteDocument(ctx, t.tx, docPath)
}

func (s *PgStore) Watch(ctx context.Context, collection string, q Query) (*Watcher, error) {
	coll, err := checkCollectionPath(collection)
	if err != nil {
		return nil, err
	}
	q.Limit = 0

	var state *watchState
	w := newWatcher(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.watchers[coll]; ok {
			delete(set, state)
			if len(set) == 0 {
				delete(s.watchers, coll)
			}
		}
	})
	state = newWatchState(coll, q, w)

	// hold the state lock until the initial listing is recorded so that
	// notifications arriving meanwhile are applied on top of it
	state.mu.Lock()
	s.mu.Lock()
	if s.watchers[coll] == nil {
		s.watchers[coll] = make(map[*watchState]struct{})
	}
	s.watchers[coll][state] = struct{}{}
	s.mu.Unlock()

	docs, err := listDocuments(ctx, s.conn, coll, q)
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

func (s *PgStore) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		s.log.Println("change listener disconnected:", err)
	case pq.ListenerEventReconnected:
		s.log.Println("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Println("change listener connection attempt failed:", err)
	}
}

func (s *PgStore) statesFor(collection string) []*watchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]*watchState, 0, len(s.watchers[collection]))
	for st := range s.watchers[collection] {
		states = append(states, st)
	}
	return states
}

func (s *PgStore) dispatch() {
	defer close(s.done)
	for {
		select {
		case n := <-s.listener.Notify:
			if n == nil {
				// notifications may have been lost while reconnecting
				s.resync()
				continue
			}
			var cn changeNotification
			if err := json.Unmarshal([]byte(n.Extra), &cn); err != nil {
				s.log.Println("decode change notification:", err)
				continue
			}
			s.deliver(cn)
		case <-time.After(listenerPing):
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.log.Println("listener ping:", err)
				}
			}()
		case <-s.stop:
			return
		}
	}
}

// deliver re-reads the changed document under each watcher's lock, so a
// watcher never applies a state older than one it already holds.
func (s *PgStore) deliver(cn changeNotification) {
	for _, st := range s.statesFor(cn.Collection) {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		st.mu.Lock()
		doc, err := getDocument(ctx, s.conn, cn.Path)
		switch {
		case err == nil:
			st.applyLocked(cn.Path, doc)
		case errors.Is(err, ErrNotFound):
			st.applyLocked(cn.Path, nil)
		default:
			s.log.Printf("refresh %s: %v", cn.Path, err)
		}
		st.mu.Unlock()
		cancel()
	}
}

func (s *PgStore) resync() {
	s.mu.Lock()
	states := make([]*watchState, 0)
	for _, set := range s.watchers {
		for st := range set {
			states = append(states, st)
		}
	}
	s.mu.Unlock()

	for _, st := range states {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		st.mu.Lock()
		docs, err := listDocuments(ctx, s.conn, st.collection, st.query)
		if err != nil {
			s.log.Printf("resync %s: %v", st.collection, err)
		} else {
			st.resetLocked(docs)
		}
		st.mu.Unlock()
		cancel()
	}
}
