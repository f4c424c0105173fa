package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const pgUniqueViolation = "23505"

// PGBindingStore implements store.BindingStore backed by Postgres.
type PGBindingStore struct {
	db *sql.DB
}

func NewPGBindingStore(db *sql.DB) *PGBindingStore {
	return &PGBindingStore{db: db}
}

const bindingSelectCols = `id, binding_type, priority, agent_id, platform, account_id, peer_kind, peer_pattern, enabled, description, created_at, updated_at`

func (s *PGBindingStore) CreateBinding(ctx context.Context, b *store.BindingData) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_bindings (`+bindingSelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.Type, b.Priority, b.AgentID,
		b.Platform, b.AccountID, b.PeerKind, b.PeerPattern,
		b.Enabled, b.Description, b.CreatedAt, b.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicateBinding, b.ID)
	}
	return err
}

func (s *PGBindingStore) GetBinding(ctx context.Context, id string) (*store.BindingData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bindingSelectCols+` FROM agent_bindings WHERE id = $1`, id)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrBindingNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PGBindingStore) UpdateBinding(ctx context.Context, b *store.BindingData) error {
	b.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_bindings SET
		   binding_type = $1, priority = $2, agent_id = $3, platform = $4, account_id = $5,
		   peer_kind = $6, peer_pattern = $7, enabled = $8, description = $9, updated_at = $10
		 WHERE id = $11`,
		b.Type, b.Priority, b.AgentID, b.Platform, b.AccountID,
		b.PeerKind, b.PeerPattern, b.Enabled, b.Description, b.UpdatedAt,
		b.ID,
	)
	if err != nil {
		return err
	}
	return requireOne(res, b.ID)
}

func (s *PGBindingStore) DeleteBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_bindings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireOne(res, id)
}

func (s *PGBindingStore) ListBindings(ctx context.Context, filter store.BindingFilter) ([]store.BindingData, error) {
	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		where = append(where, fmt.Sprintf("platform = $%d", len(args)))
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = true")
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

func (s *PGBindingStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (store.BindingData, error) {
	var b store.BindingData
	err := row.Scan(&b.ID, &b.Type, &b.Priority, &b.AgentID,
		&b.Platform, &b.AccountID, &b.PeerKind, &b.PeerPattern,
		&b.Enabled, &b.Description, &b.CreatedAt, &b.UpdatedAt)
	return b, err
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
