// Package indexed is the multi-collection record store. Each collection is a
// SQLite table of JSON blobs keyed by an autoincrement integer id; rows carry
// the owning user namespace so one database serves several users.
package indexed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"plansync/internal/bus"
	"plansync/internal/model"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

// SchemaVersion is stored in PRAGMA user_version. Bumping it runs the upgrade
// step once per database.
const SchemaVersion = 1

var ErrNotFound = errors.New("not found")

type NotFoundError struct {
	Collection model.Collection
	ID         int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Collection, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Mirror receives the full contents of a collection after each commit.
type Mirror interface {
	MirrorCollection(c model.Collection, records any) error
}

// UpgradeFunc runs inside the upgrade transaction after the built-in
// collections exist. It must only add to the schema.
type UpgradeFunc func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) error

type Options struct {
	Path      string
	Namespace string
	Mirror    Mirror
	Bus       *bus.Bus
	Logger    *log.Logger
	OnUpgrade UpgradeFunc
}

type Store struct {
	db        *sql.DB
	ns        string
	mirror    Mirror
	bus       *bus.Bus
	logger    *log.Logger
	onUpgrade UpgradeFunc

	initGroup singleflight.Group
	mu        sync.Mutex
	ready     bool
}

func Open(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("indexed: empty path")
	}
	// modernc.org/sqlite driver name is "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: transactions queue instead of racing.
	db.SetMaxOpenConns(1)

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	b := opts.Bus
	if b == nil {
		b = bus.New(logger)
	}
	return &Store{
		db:        db,
		ns:        opts.Namespace,
		mirror:    opts.Mirror,
		bus:       b,
		logger:    logger,
		onUpgrade: opts.OnUpgrade,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Bus() *bus.Bus { return s.bus }

func (s *Store) Namespace() string { return s.ns }

// Init prepares the database. It is safe to call repeatedly and from several
// goroutines: callers arriving before the first initialization finishes wait
// for that same run.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}
	_, err, _ := s.initGroup.Do("init", func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ready {
			return nil, nil
		}
		if err := s.initialize(ctx); err != nil {
			return nil, err
		}
		s.ready = true
		return nil, nil
	})
	return err
}

func (s *Store) initialize(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("indexed: %s: %w", p, err)
		}
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("indexed: read schema version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upgrade(ctx, tx); err != nil {
		return fmt.Errorf("indexed: upgrade %d->%d: %w", current, SchemaVersion, err)
	}
	if s.onUpgrade != nil {
		if err := s.onUpgrade(ctx, tx, current, SchemaVersion); err != nil {
			return fmt.Errorf("indexed: upgrade hook: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// upgrade creates any missing collection tables. Existing tables and rows are
// left alone.
func upgrade(ctx context.Context, tx *sql.Tx) error {
	for _, c := range model.Collections() {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS ` + string(c) + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				namespace TEXT NOT NULL,
				json TEXT NOT NULL,
				updated_at_unixms INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_` + string(c) + `_namespace ON ` + string(c) + `(namespace, id);`,
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st); err != nil {
				return err
			}
		}
	}
	return nil
}

func table(c model.Collection) (string, error) {
	for _, known := range model.Collections() {
		if c == known {
			return string(c), nil
		}
	}
	return "", fmt.Errorf("unknown collection: %q", c)
}

func newRecord(c model.Collection) (model.Record, error) {
	switch c {
	case model.CollectionTasks:
		return &model.Task{}, nil
	case model.CollectionEvents:
		return &model.Event{}, nil
	case model.CollectionHabits:
		return &model.Habit{}, nil
	case model.CollectionLists:
		return &model.List{}, nil
	default:
		return nil, fmt.Errorf("unknown collection: %q", c)
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Add inserts rec, assigns its id, and returns the id.
func (s *Store) Add(ctx context.Context, c model.Collection, rec model.Record) (int64, error) {
	if err := s.Init(ctx); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insert(ctx, tx, c, rec); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.afterCommit(ctx, []model.Change{{Collection: c, Action: model.ActionAdded, Record: rec}})
	return rec.RecordID(), nil
}

// Update stores rec under its id with put semantics: an absent id is
// inserted. Ids owned by another namespace are rejected with NotFoundError.
func (s *Store) Update(ctx context.Context, c model.Collection, rec model.Record) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.put(ctx, tx, c, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.afterCommit(ctx, []model.Change{{Collection: c, Action: model.ActionUpdated, Record: rec}})
	return nil
}

// Remove deletes the record with id. A missing id yields NotFoundError.
func (s *Store) Remove(ctx context.Context, c model.Collection, id int64) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.delete(ctx, tx, c, id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.afterCommit(ctx, []model.Change{{Collection: c, Action: model.ActionDeleted, Record: rec}})
	return nil
}

// Apply commits every mutation in one transaction. Deletes of ids that are
// already gone are logged and skipped; any other failure rolls back the whole
// batch. Mirroring and notifications happen after the commit.
func (s *Store) Apply(ctx context.Context, muts []model.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	if err := s.Init(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	changes := make([]model.Change, 0, len(muts))
	for _, m := range muts {
		switch m.Action {
		case model.ActionDeleted:
			rec, err := s.delete(ctx, tx, m.Collection, m.ID)
			if errors.Is(err, ErrNotFound) {
				s.logger.Printf("indexed: apply: %v (skipped)", err)
				continue
			}
			if err != nil {
				return err
			}
			changes = append(changes, model.Change{Collection: m.Collection, Action: model.ActionDeleted, Record: rec})
		case model.ActionAdded:
			if err := s.insert(ctx, tx, m.Collection, m.Record); err != nil {
				return err
			}
			changes = append(changes, model.Change{Collection: m.Collection, Action: model.ActionAdded, Record: m.Record})
		case model.ActionUpdated:
			if err := s.put(ctx, tx, m.Collection, m.Record); err != nil {
				return err
			}
			changes = append(changes, model.Change{Collection: m.Collection, Action: model.ActionUpdated, Record: m.Record})
		default:
			return fmt.Errorf("indexed: apply: unsupported action %q", m.Action)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.afterCommit(ctx, changes)
	return nil
}

func (s *Store) insert(ctx context.Context, tx execer, c model.Collection, rec model.Record) error {
	t, err := table(c)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.New("indexed: nil record")
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO `+t+`(namespace, json, updated_at_unixms) VALUES(?, '{}', ?)`, s.ns, nowMs())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.SetRecordID(id)
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE `+t+` SET json = ? WHERE id = ?`, string(raw), id)
	return err
}

func (s *Store) put(ctx context.Context, tx execer, c model.Collection, rec model.Record) error {
	t, err := table(c)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.New("indexed: nil record")
	}
	id := rec.RecordID()
	if id <= 0 {
		return fmt.Errorf("indexed: update %s: record has no id", c)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO `+t+`(id, namespace, json, updated_at_unixms) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json, updated_at_unixms = excluded.updated_at_unixms
		WHERE `+t+`.namespace = excluded.namespace`,
		id, s.ns, string(raw), nowMs())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return NotFoundError{Collection: c, ID: id}
	}
	return nil
}

func (s *Store) delete(ctx context.Context, tx execer, c model.Collection, id int64) (model.Record, error) {
	t, err := table(c)
	if err != nil {
		return nil, err
	}
	var js string
	err = tx.QueryRowContext(ctx, `SELECT json FROM `+t+` WHERE id = ? AND namespace = ?`, id, s.ns).Scan(&js)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError{Collection: c, ID: id}
	}
	if err != nil {
		return nil, err
	}
	rec, err := newRecord(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(js), rec); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+t+` WHERE id = ? AND namespace = ?`, id, s.ns); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) afterCommit(ctx context.Context, changes []model.Change) {
	seen := map[model.Collection]bool{}
	var touched []model.Collection
	for _, ch := range changes {
		if !seen[ch.Collection] {
			seen[ch.Collection] = true
			touched = append(touched, ch.Collection)
		}
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i] < touched[j] })
	if s.mirror != nil {
		for _, c := range touched {
			s.MirrorNow(ctx, c)
		}
	}
	for _, ch := range changes {
		s.bus.Emit(ch)
	}
}

// MirrorNow pushes the full collection to the mirror. Failures are logged;
// the store remains the source of truth.
func (s *Store) MirrorNow(ctx context.Context, c model.Collection) {
	if s.mirror == nil {
		return
	}
	recs, err := s.GetAll(ctx, c)
	if err != nil {
		s.logger.Printf("indexed: mirror %s: %v", c, err)
		return
	}
	if err := s.mirror.MirrorCollection(c, recs); err != nil {
		s.logger.Printf("indexed: mirror %s: %v", c, err)
	}
}

// GetAll returns the typed slice for c ([]model.Task, []model.Event, ...).
func (s *Store) GetAll(ctx context.Context, c model.Collection) (any, error) {
	switch c {
	case model.CollectionTasks:
		return s.Tasks(ctx)
	case model.CollectionEvents:
		return s.Events(ctx)
	case model.CollectionHabits:
		return s.Habits(ctx)
	case model.CollectionLists:
		return s.Lists(ctx)
	default:
		return nil, fmt.Errorf("unknown collection: %q", c)
	}
}

func (s *Store) Tasks(ctx context.Context) ([]model.Task, error) {
	return getAll[model.Task](ctx, s, model.CollectionTasks)
}

func (s *Store) Events(ctx context.Context) ([]model.Event, error) {
	return getAll[model.Event](ctx, s, model.CollectionEvents)
}

func (s *Store) Habits(ctx context.Context) ([]model.Habit, error) {
	return getAll[model.Habit](ctx, s, model.CollectionHabits)
}

func (s *Store) Lists(ctx context.Context) ([]model.List, error) {
	return getAll[model.List](ctx, s, model.CollectionLists)
}

func (s *Store) Task(ctx context.Context, id int64) (model.Task, error) {
	return getOne[model.Task](ctx, s, model.CollectionTasks, id)
}

func (s *Store) Event(ctx context.Context, id int64) (model.Event, error) {
	return getOne[model.Event](ctx, s, model.CollectionEvents, id)
}

func (s *Store) Habit(ctx context.Context, id int64) (model.Habit, error) {
	return getOne[model.Habit](ctx, s, model.CollectionHabits, id)
}

// Count returns the number of records the namespace holds in c.
func (s *Store) Count(ctx context.Context, c model.Collection) (int, error) {
	if err := s.Init(ctx); err != nil {
		return 0, err
	}
	t, err := table(c)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+t+` WHERE namespace = ?`, s.ns).Scan(&n)
	return n, err
}

// UsedIDs returns every id present in c across all namespaces. Ids are unique
// per database, not per namespace.
func (s *Store) UsedIDs(ctx context.Context, c model.Collection) (map[int64]bool, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	t, err := table(c)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM `+t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func getAll[T any](ctx context.Context, s *Store, c model.Collection) ([]T, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	t, err := table(c)
	if err != nil {
		return nil, err
	}
	out, err := readJSONRows[T](ctx, s.db, `SELECT json FROM `+t+` WHERE namespace = ? ORDER BY id`, s.ns)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func getOne[T any](ctx context.Context, s *Store, c model.Collection, id int64) (T, error) {
	var zero T
	if err := s.Init(ctx); err != nil {
		return zero, err
	}
	t, err := table(c)
	if err != nil {
		return zero, err
	}
	var js string
	err = s.db.QueryRowContext(ctx, `SELECT json FROM `+t+` WHERE id = ? AND namespace = ?`, id, s.ns).Scan(&js)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, NotFoundError{Collection: c, ID: id}
	}
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal([]byte(js), &v); err != nil {
		return zero, err
	}
	return v, nil
}

func readJSONRows[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var js string
		if err := rows.Scan(&js); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(js), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nowMs() int64 { return time.Now().UTC().UnixMilli() }
