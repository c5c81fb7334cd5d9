package catalog

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	config       BLOB,
	data_dir     TEXT NOT NULL,
	record_count INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	completed_at DATETIME
);
`

// SQLiteCatalog is the default Catalog backed by a local sqlite file. A
// sibling lockfile is held while NextID scans for the highest existing id.
// The row for the new id is inserted later by the caller's Insert, after
// the lock has been released.
type SQLiteCatalog struct {
	db   *sqlx.DB
	lock *flock.Flock
}

// OpenSQLiteCatalog opens (creating if necessary) the sqlite catalog at
// path and ensures its schema exists.
func OpenSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}

	lockPath := filepath.Join(filepath.Dir(path), filepath.Base(path)+".lock")
	return &SQLiteCatalog{db: db, lock: flock.New(lockPath)}, nil
}

// NextID scans existing rows for the given prefix and returns the next
// sequential id, formatted as "<prefix>_%03d". Only the scan runs under the
// file lock; the id is not reserved, so two callers that both scan before
// either inserts receive the same id.
func (c *SQLiteCatalog) NextID(prefix string) (string, error) {
	if err := c.lock.Lock(); err != nil {
		return "", fmt.Errorf("catalog: acquire allocation lock: %w", err)
	}
	defer c.lock.Unlock()

	var ids []string
	if err := c.db.Select(&ids, `SELECT id FROM tasks WHERE type = ?`, prefix); err != nil {
		return "", fmt.Errorf("catalog: scan ids: %w", err)
	}

	return formatNextID(prefix, ids), nil
}

// formatNextID computes "<prefix>_%03d" one past the highest numeric
// suffix found among existing, separated out from NextID so the
// allocation arithmetic is testable without a database.
func formatNextID(prefix string, existingIDs []string) string {
	max := 0
	for _, id := range existingIDs {
		parts := strings.SplitN(id, "_", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s_%03d", prefix, max+1)
}

// Insert persists a new task row.
func (c *SQLiteCatalog) Insert(task Task) error {
	_, err := c.db.NamedExec(`
		INSERT INTO tasks (id, name, type, status, config, data_dir, record_count, created_at, completed_at)
		VALUES (:id, :name, :type, :status, :config, :data_dir, :record_count, :created_at, :completed_at)
	`, taskRow{
		ID: task.ID, Name: task.Name, Type: task.Type, Status: task.Status,
		Config: task.Config, DataDir: task.DataDir, RecordCount: task.RecordCount,
		CreatedAt: task.CreatedAt, CompletedAt: task.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("catalog: insert task %s: %w", task.ID, err)
	}
	return nil
}

// Complete marks a task completed with its final record count.
func (c *SQLiteCatalog) Complete(id string, recordCount int, completedAt time.Time) error {
	res, err := c.db.Exec(
		`UPDATE tasks SET status = 'completed', record_count = ?, completed_at = ? WHERE id = ?`,
		recordCount, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("catalog: complete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one task row by id.
func (c *SQLiteCatalog) Get(id string) (Task, error) {
	var row taskRow
	err := c.db.Get(&row, `SELECT * FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("catalog: get task %s: %w", id, err)
	}
	return row.toTask(), nil
}

// List returns every task of the given type, most recently created first.
func (c *SQLiteCatalog) List(taskType string) ([]Task, error) {
	var rows []taskRow
	if err := c.db.Select(&rows, `SELECT * FROM tasks WHERE type = ? ORDER BY created_at DESC`, taskType); err != nil {
		return nil, fmt.Errorf("catalog: list tasks: %w", err)
	}
	tasks := make([]Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks, nil
}

// Close releases the underlying database handle.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// taskRow is the sqlx scan target; Task itself uses *time.Time/[]byte
// directly but sqlite3's driver is happiest scanning through db tags.
type taskRow struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Type        string     `db:"type"`
	Status      string     `db:"status"`
	Config      []byte     `db:"config"`
	DataDir     string     `db:"data_dir"`
	RecordCount int        `db:"record_count"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r taskRow) toTask() Task {
	return Task{
		ID: r.ID, Name: r.Name, Type: r.Type, Status: r.Status,
		Config: r.Config, DataDir: r.DataDir, RecordCount: r.RecordCount,
		CreatedAt: r.CreatedAt, CompletedAt: r.CompletedAt,
	}
}

var _ Catalog = (*SQLiteCatalog)(nil)
