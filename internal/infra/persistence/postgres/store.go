// Package postgres provides a Postgres-backed node store mirroring the SQLite
// semantics: write-intent transactions via an up-front table lock, transparent
// retry of transient serialization failures, and the same row schema.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"lineagecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with the factory defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/lineagecore?sslmode=disable"

	maxTxAttempts  = 5
	retryBaseDelay = 10 * time.Millisecond
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	id BIGINT PRIMARY KEY,
	parent_id BIGINT REFERENCES nodes(id),
	name TEXT NOT NULL,
	gender TEXT NOT NULL,
	status TEXT NOT NULL,
	generation INTEGER NOT NULL,
	sons_count INTEGER NOT NULL DEFAULT 0,
	daughters_count INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	updated_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
CREATE TABLE IF NOT EXISTS change_history (
	id BIGSERIAL PRIMARY KEY,
	node_id BIGINT NOT NULL,
	field TEXT NOT NULL,
	old_value TEXT NOT NULL DEFAULT '',
	new_value TEXT NOT NULL DEFAULT '',
	change_type TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	batch_id TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_history_node ON change_history(node_id);
CREATE INDEX IF NOT EXISTS idx_change_history_batch ON change_history(batch_id);
CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_id BIGINT NOT NULL
);
INSERT INTO meta (id, next_id) SELECT 1, COALESCE(MAX(id), 0) + 1 FROM nodes WHERE NOT EXISTS (SELECT 1 FROM meta) ON CONFLICT (id) DO NOTHING
`

// Store persists the lineage forest to Postgres.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), pings the server and applies the schema.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}, nil
}

// applySchema executes the DDL one statement at a time; the pgx stdlib driver
// rejects multi-statement strings over the extended protocol.
func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// isRetryable reports whether err is a transient serialization or deadlock
// failure; such transactions are retried as a whole, like SQLite busy errors.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

// RunInTransaction executes fn inside one transaction whose write lock on the
// nodes table is acquired up front. Transient failures are retried up to
// maxTxAttempts times with a doubling delay.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Tx) error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
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
	// Write intent up front: structural writers serialize here instead of
	// escalating row locks mid-transaction.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE nodes IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("lock nodes: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, now: s.nowFn()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// View runs fn against a read-only snapshot transaction.
func (s *Store) View(ctx context.Context, fn func(domain.TxView) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
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
		n        domain.Node
		parentID sql.NullInt64
	)
	if err := row.Scan(&n.ID, &parentID, &n.Name, &n.Gender, &n.Status, &n.Generation,
		&n.SonsCount, &n.DaughtersCount, &n.Version, &n.CreatedAt, &n.UpdatedAt, &n.UpdatedBy); err != nil {
		return domain.Node{}, err
	}
	if parentID.Valid {
		pid := parentID.Int64
		n.ParentID = &pid
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
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
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
	nodes, err := t.queryNodes(`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = $1 ORDER BY id`, parentID)
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
		// deletes, so a removed node's id is never handed out again. The
		// table lock taken at transaction start serializes allocation.
		row := t.tx.QueryRowContext(t.ctx, `SELECT next_id FROM meta WHERE id = 1`)
		if err := row.Scan(&n.ID); err != nil {
			return domain.Node{}, fmt.Errorf("allocate id: %w", err)
		}
		if _, err := t.tx.ExecContext(t.ctx, `UPDATE meta SET next_id = $1 WHERE id = 1`, n.ID+1); err != nil {
			return domain.Node{}, fmt.Errorf("advance id counter: %w", err)
		}
	} else {
		var exists int
		err := t.tx.QueryRowContext(t.ctx, `SELECT 1 FROM nodes WHERE id = $1`, n.ID).Scan(&exists)
		switch {
		case err == nil:
			return domain.Node{}, domain.DuplicateIDError{ID: n.ID}
		case !errors.Is(err, sql.ErrNoRows):
			return domain.Node{}, fmt.Errorf("check id %d: %w", n.ID, err)
		}
		if _, err := t.tx.ExecContext(t.ctx, `UPDATE meta SET next_id = GREATEST(next_id, $1) WHERE id = 1`, n.ID+1); err != nil {
			return domain.Node{}, fmt.Errorf("advance id counter: %w", err)
		}
	}
	n.Version = 1
	n.CreatedAt = t.now
	n.UpdatedAt = t.now
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, nullableID(n.ParentID), n.Name, string(n.Gender), string(n.Status), n.Generation,
		n.SonsCount, n.DaughtersCount, n.Version, n.CreatedAt, n.UpdatedAt, n.UpdatedBy)
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
		`UPDATE nodes SET parent_id = $1, name = $2, gender = $3, status = $4, generation = $5,
			sons_count = $6, daughters_count = $7, version = $8, updated_at = $9, updated_by = $10
		WHERE id = $11`,
		nullableID(next.ParentID), next.Name, string(next.Gender), string(next.Status), next.Generation,
		next.SonsCount, next.DaughtersCount, next.Version, next.UpdatedAt, next.UpdatedBy, id)
	if err != nil {
		return domain.Node{}, fmt.Errorf("update node %d: %w", id, err)
	}
	return next, nil
}

func (t *sqlTx) DeleteNode(id int64) error {
	var children int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM nodes WHERE parent_id = $1`, id).Scan(&children); err != nil {
		return fmt.Errorf("count children of %d: %w", id, err)
	}
	if children > 0 {
		return domain.HasChildrenError{ID: id, Children: children}
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM nodes WHERE id = $1`, id)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.NodeID, rec.Field, rec.OldValue, rec.NewValue, string(rec.ChangeType),
		rec.Actor, rec.BatchID, rec.Snapshot, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("append change for node %d: %w", rec.NodeID, err)
	}
	return nil
}

// Committed-state read helpers -----------------------------------------------

func (s *Store) GetNode(ctx context.Context, id int64) (domain.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
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
	return s.listNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = $1 ORDER BY id`, parentID)
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
		var rec domain.ChangeRecord
		if err := rows.Scan(&rec.ID, &rec.NodeID, &rec.Field, &rec.OldValue, &rec.NewValue,
			&rec.ChangeType, &rec.Actor, &rec.BatchID, &rec.Snapshot, &rec.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) History(ctx context.Context, nodeID int64) ([]domain.ChangeRecord, error) {
	recs, err := s.listChanges(ctx, `SELECT `+changeColumns+` FROM change_history WHERE node_id = $1 ORDER BY id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("select history of node %d: %w", nodeID, err)
	}
	return recs, nil
}

func (s *Store) BatchHistory(ctx context.Context, batchID string) ([]domain.ChangeRecord, error) {
	recs, err := s.listChanges(ctx, `SELECT `+changeColumns+` FROM change_history WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select batch history %s: %w", batchID, err)
	}
	return recs, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
