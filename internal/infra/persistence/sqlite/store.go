// Package sqlite provides the durable SQLite-backed node store. Nodes live in
// one row-per-node table and change history in an append-only table; every
// structural transaction opens with write intent (immediate lock) and busy
// conditions are retried transparently with exponential backoff before a
// terminal error is surfaced.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"lineagecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

const (
	maxTxAttempts  = 5
	retryBaseDelay = 10 * time.Millisecond
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY,
	parent_id INTEGER REFERENCES nodes(id),
	name TEXT NOT NULL,
	gender TEXT NOT NULL,
	status TEXT NOT NULL,
	generation INTEGER NOT NULL,
	sons_count INTEGER NOT NULL DEFAULT 0,
	daughters_count INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	updated_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
CREATE TABLE IF NOT EXISTS change_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id INTEGER NOT NULL,
	field TEXT NOT NULL,
	old_value TEXT NOT NULL DEFAULT '',
	new_value TEXT NOT NULL DEFAULT '',
	change_type TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	batch_id TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_history_node ON change_history(node_id);
CREATE INDEX IF NOT EXISTS idx_change_history_batch ON change_history(batch_id);
CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_id INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (id, next_id) SELECT 1, COALESCE(MAX(id), 0) + 1 FROM nodes WHERE NOT EXISTS (SELECT 1 FROM meta);
`

// Store persists the lineage forest to SQLite. Writes go through db, whose
// transactions open in immediate mode; roDB opens deferred transactions so
// snapshot reads never contend for the write lock (WAL readers do not block
// on writers).
type Store struct {
	db    *sql.DB
	roDB  *sql.DB
	path  string
	nowFn func() time.Time
}

// NewStore opens (creating if needed) the SQLite database at path and applies
// the schema. Transactions begun on the returned store take the write lock up
// front via the immediate txlock mode.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "lineagecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(250)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate&"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	roDB, err := sql.Open("sqlite", "file:"+path+"?"+pragmas)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite read handle: %w", err)
	}
	return &Store{
		db:    db,
		roDB:  roDB,
		path:  path,
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases both database handles.
func (s *Store) Close() error {
	roErr := s.roDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}

// isBusy reports whether err is a storage-level lock-busy condition worth a
// transparent retry. Constraint violations and not-found conditions never are.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// withRetry runs op, retrying busy errors up to maxTxAttempts times with a
// doubling delay, then surfaces the last one as UnavailableError. Non-busy
// errors pass through untouched.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		if attempt == maxTxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return domain.UnavailableError{Attempts: maxTxAttempts, Err: lastErr}
}

// RunInTransaction executes fn inside one immediate-mode transaction. The
// whole attempt, fn included, is retried on busy errors up to maxTxAttempts
// times with a doubling delay, then surfaced as UnavailableError.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Tx) error) error {
	return s.withRetry(ctx, func() error { return s.runOnce(ctx, fn) })
}

func (s *Store) runOnce(ctx context.Context, fn func(domain.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	stx := &sqlTx{ctx: ctx, tx: tx, now: s.nowFn()}
	if err := fn(stx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// View runs fn against a read-only snapshot on the deferred read handle, so
// an in-flight writer never starves readers. Residual busy conditions get the
// same retry treatment as writes.
func (s *Store) View(ctx context.Context, fn func(domain.TxView) error) error {
	return s.withRetry(ctx, func() error { return s.viewOnce(ctx, fn) })
}

func (s *Store) viewOnce(ctx context.Context, fn func(domain.TxView) error) error {
	tx, err := s.roDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqlTx{ctx: ctx, tx: tx, now: s.nowFn()})
}

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

const nodeColumns = `id, parent_id, name, gender, status, generation, sons_count, daughters_count, version, created_at, updated_at, updated_by`

func scanNode(row interface{ Scan(...any) error }) (domain.Node, error) {
	var (
		n                    domain.Node
		parentID             sql.NullInt64
		createdAt, updatedAt string
	)
	if err := row.Scan(&n.ID, &parentID, &n.Name, &n.Gender, &n.Status, &n.Generation,
		&n.SonsCount, &n.DaughtersCount, &n.Version, &createdAt, &updatedAt, &n.UpdatedBy); err != nil {
		return domain.Node{}, err
	}
	if parentID.Valid {
		pid := parentID.Int64
		n.ParentID = &pid
	}
	var err error
	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Node{}, fmt.Errorf("parse created_at: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return domain.Node{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return n, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func (t *sqlTx) FindNode(id int64) (domain.Node, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, domain.NotFoundError{ID: id}
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("select node %d: %w", id, err)
	}
	return n, nil
}

func (t *sqlTx) queryNodes(query string, args ...any) ([]domain.Node, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *sqlTx) Children(parentID int64) ([]domain.Node, error) {
	nodes, err := t.queryNodes(`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("select children of %d: %w", parentID, err)
	}
	return nodes, nil
}

func (t *sqlTx) Roots() ([]domain.Node, error) {
	nodes, err := t.queryNodes(`SELECT ` + nodeColumns + ` FROM nodes WHERE parent_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select roots: %w", err)
	}
	return nodes, nil
}

func (t *sqlTx) Nodes() ([]domain.Node, error) {
	nodes, err := t.queryNodes(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select nodes: %w", err)
	}
	return nodes, nil
}

func (t *sqlTx) CreateNode(n domain.Node) (domain.Node, error) {
	if n.ID == 0 {
		// Ids come from the meta counter, not MAX(id): the counter survives
		// deletes, so a removed node's id is never handed out again and its
		// change history stays attached to it alone. Allocation and insertion
		// share the immediate-mode transaction, so two concurrent creates can
		// never observe the same next id.
		row := t.tx.QueryRowContext(t.ctx, `SELECT next_id FROM meta WHERE id = 1`)
		if err := row.Scan(&n.ID); err != nil {
			return domain.Node{}, fmt.Errorf("allocate id: %w", err)
		}
		if _, err := t.tx.ExecContext(t.ctx, `UPDATE meta SET next_id = ? WHERE id = 1`, n.ID+1); err != nil {
			return domain.Node{}, fmt.Errorf("advance id counter: %w", err)
		}
	} else {
		var exists int
		err := t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM nodes WHERE id = ?`, n.ID).Scan(&exists)
		switch {
		case err == nil:
			return domain.Node{}, domain.DuplicateIDError{ID: n.ID}
		case !errors.Is(err, sql.ErrNoRows):
			return domain.Node{}, fmt.Errorf("check id %d: %w", n.ID, err)
		}
		if _, err := t.tx.ExecContext(t.ctx, `UPDATE meta SET next_id = MAX(next_id, ?) WHERE id = 1`, n.ID+1); err != nil {
			return domain.Node{}, fmt.Errorf("advance id counter: %w", err)
		}
	}
	n.Version = 1
	n.CreatedAt = t.now
	n.UpdatedAt = t.now
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, nullableID(n.ParentID), n.Name, string(n.Gender), string(n.Status), n.Generation,
		n.SonsCount, n.DaughtersCount, n.Version,
		n.CreatedAt.Format(time.RFC3339Nano), n.UpdatedAt.Format(time.RFC3339Nano), n.UpdatedBy)
	if err != nil {
		return domain.Node{}, fmt.Errorf("insert node %d: %w", n.ID, err)
	}
	return n, nil
}

func (t *sqlTx) UpdateNode(id int64, mutator func(*domain.Node) error) (domain.Node, error) {
	current, err := t.FindNode(id)
	if err != nil {
		return domain.Node{}, err
	}
	next := current.Clone()
	if err := mutator(&next); err != nil {
		return domain.Node{}, err
	}
	next.ID = id
	next.Version = current.Version + 1
	next.UpdatedAt = t.now
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE nodes SET parent_id = ?, name = ?, gender = ?, status = ?, generation = ?,
			sons_count = ?, daughters_count = ?, version = ?, updated_at = ?, updated_by = ?
		WHERE id = ?`,
		nullableID(next.ParentID), next.Name, string(next.Gender), string(next.Status), next.Generation,
		next.SonsCount, next.DaughtersCount, next.Version,
		next.UpdatedAt.Format(time.RFC3339Nano), next.UpdatedBy, id)
	if err != nil {
		return domain.Node{}, fmt.Errorf("update node %d: %w", id, err)
	}
	return next, nil
}

func (t *sqlTx) DeleteNode(id int64) error {
	var children int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM nodes WHERE parent_id = ?`, id).Scan(&children); err != nil {
		return fmt.Errorf("count children of %d: %w", id, err)
	}
	if children > 0 {
		return domain.HasChildrenError{ID: id, Children: children}
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete node %d: %w", id, err)
	}
	if affected == 0 {
		return domain.NotFoundError{ID: id}
	}
	return nil
}

func (t *sqlTx) AppendChange(rec domain.ChangeRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = t.now
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO change_history (node_id, field, old_value, new_value, change_type, actor, batch_id, snapshot, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.NodeID, rec.Field, rec.OldValue, rec.NewValue, string(rec.ChangeType),
		rec.Actor, rec.BatchID, rec.Snapshot, rec.RecordedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append change for node %d: %w", rec.NodeID, err)
	}
	return nil
}

// Committed-state read helpers -----------------------------------------------

func (s *Store) GetNode(ctx context.Context, id int64) (domain.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, domain.NotFoundError{ID: id}
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("select node %d: %w", id, err)
	}
	return n, nil
}

func (s *Store) listNodes(ctx context.Context, query string, args ...any) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListNodes(ctx context.Context) ([]domain.Node, error) {
	return s.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
}

func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]domain.Node, error) {
	return s.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY id`, parentID)
}

func (s *Store) ListRoots(ctx context.Context) ([]domain.Node, error) {
	return s.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id IS NULL ORDER BY id`)
}

const changeColumns = `id, node_id, field, old_value, new_value, change_type, actor, batch_id, snapshot, recorded_at`

func (s *Store) listChanges(ctx context.Context, query string, args ...any) ([]domain.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []domain.ChangeRecord
	for rows.Next() {
		var (
			rec        domain.ChangeRecord
			recordedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.NodeID, &rec.Field, &rec.OldValue, &rec.NewValue,
			&rec.ChangeType, &rec.Actor, &rec.BatchID, &rec.Snapshot, &recordedAt); err != nil {
			return nil, err
		}
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) History(ctx context.Context, nodeID int64) ([]domain.ChangeRecord, error) {
	recs, err := s.listChanges(ctx, `SELECT `+changeColumns+` FROM change_history WHERE node_id = ? ORDER BY id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("select history of node %d: %w", nodeID, err)
	}
	return recs, nil
}

func (s *Store) BatchHistory(ctx context.Context, batchID string) ([]domain.ChangeRecord, error) {
	recs, err := s.listChanges(ctx, `SELECT `+changeColumns+` FROM change_history WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select batch history %s: %w", batchID, err)
	}
	return recs, nil
}
