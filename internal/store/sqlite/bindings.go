package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// BindingStore implements store.BindingStore on SQLite. Timestamps are
// stored as unix milliseconds.
type BindingStore struct {
	db *sql.DB
}

func NewBindingStore(db *sql.DB) *BindingStore {
	return &BindingStore{db: db}
}

const bindingSelectCols = `id, binding_type, priority, agent_id, platform, account_id, peer_kind, peer_pattern, enabled, description, created_at, updated_at`

func (s *BindingStore) CreateBinding(ctx context.Context, b *store.BindingData) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_bindings (`+bindingSelectCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Type, b.Priority, b.AgentID,
		b.Platform, b.AccountID, b.PeerKind, b.PeerPattern,
		b.Enabled, b.Description, b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli(),
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", store.ErrDuplicateBinding, b.ID)
	}
	return err
}

func (s *BindingStore) GetBinding(ctx context.Context, id string) (*store.BindingData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bindingSelectCols+` FROM agent_bindings WHERE id = ?`, id)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrBindingNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BindingStore) UpdateBinding(ctx context.Context, b *store.BindingData) error {
	b.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_bindings SET
		   binding_type = ?, priority = ?, agent_id = ?, platform = ?, account_id = ?,
		   peer_kind = ?, peer_pattern = ?, enabled = ?, description = ?, updated_at = ?
		 WHERE id = ?`,
		b.Type, b.Priority, b.AgentID, b.Platform, b.AccountID,
		b.PeerKind, b.PeerPattern, b.Enabled, b.Description, b.UpdatedAt.UnixMilli(),
		b.ID,
	)
	if err != nil {
		return err
	}
	return requireOne(res, b.ID)
}

func (s *BindingStore) DeleteBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_bindings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOne(res, id)
}

func (s *BindingStore) ListBindings(ctx context.Context, filter store.BindingFilter) ([]store.BindingData, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}

	q := `SELECT ` + bindingSelectCols + ` FROM agent_bindings`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.BindingData
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *BindingStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (store.BindingData, error) {
	var (
		b                    store.BindingData
		platform, account    sql.NullString
		kind, pattern        sql.NullString
		createdMs, updatedMs int64
	)
	err := row.Scan(&b.ID, &b.Type, &b.Priority, &b.AgentID,
		&platform, &account, &kind, &pattern,
		&b.Enabled, &b.Description, &createdMs, &updatedMs)
	if err != nil {
		return store.BindingData{}, err
	}
	b.Platform = nullPtr(platform)
	b.AccountID = nullPtr(account)
	b.PeerKind = nullPtr(kind)
	b.PeerPattern = nullPtr(pattern)
	b.CreatedAt = time.UnixMilli(createdMs)
	b.UpdatedAt = time.UnixMilli(updatedMs)
	return b, nil
}

func nullPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrBindingNotFound, id)
	}
	return nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
