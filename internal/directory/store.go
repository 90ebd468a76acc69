package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS machines (
	id         TEXT PRIMARY KEY,
	alias      TEXT NOT NULL DEFAULT '',
	brand      TEXT NOT NULL,
	state      TEXT NOT NULL,
	node       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_machines_node ON machines(node);
`

// Store is the SQLite-backed machine inventory.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the inventory database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("directory: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a machine record. CreatedAt is preserved on
// replace; UpdatedAt is always advanced.
func (s *Store) Put(ctx context.Context, m *Machine) error {
	if m.ID == "" || !validBrand(m.Brand) || !validState(m.State) {
		return fmt.Errorf("%w: id %q brand %q state %q", ErrInvalidMachine, m.ID, m.Brand, m.State)
	}
	now := time.Now().UTC()
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (id, alias, brand, state, node, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			alias = excluded.alias,
			brand = excluded.brand,
			state = excluded.state,
			node = excluded.node,
			updated_at = excluded.updated_at`,
		m.ID, m.Alias, m.Brand, m.State, m.Node, created.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("directory: put machine %s: %w", m.ID, err)
	}
	m.CreatedAt = created
	m.UpdatedAt = now
	return nil
}

// Get returns the machine with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, alias, brand, state, node, created_at, updated_at
		FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get machine %s: %w", id, err)
	}
	return m, nil
}

// List returns all machines ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alias, brand, state, node, created_at, updated_at
		FROM machines ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("directory: list machines: %w", err)
	}
	defer rows.Close()
	var out []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: list machines: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list machines: %w", err)
	}
	return out, nil
}

// SetState moves a machine to a new lifecycle state.
func (s *Store) SetState(ctx context.Context, id, state string) error {
	if !validState(state) {
		return fmt.Errorf("%w: state %q", ErrInvalidMachine, state)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("directory: set state of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("directory: set state of %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, id)
	}
	return nil
}

// Delete removes a machine from the inventory.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("directory: delete machine %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("directory: delete machine %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row rowScanner) (*Machine, error) {
	var m Machine
	var created, updated int64
	if err := row.Scan(&m.ID, &m.Alias, &m.Brand, &m.State, &m.Node, &created, &updated); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	return &m, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
