package repo

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gtacat51-art/insta-spotter/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresMessageRepo struct {
	db DB
}

func NewPostgresMessageRepo(db DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// NewPool opens a tuned connection pool.
func NewPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = 2 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (r *PostgresMessageRepo) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schemaSQL)
	return err
}

const messageColumns = `id, text, status, created_at, updated_at, posted_at,
	moderation_reason, remote_id, error_message, admin_note,
	claim_token, claimed_at, version`

func scanMessage(row pgx.Row) (model.Message, error) {
	var m model.Message
	var status string
	err := row.Scan(
		&m.ID,
		&m.Text,
		&status,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.PostedAt,
		&m.ModerationReason,
		&m.RemoteID,
		&m.ErrorMessage,
		&m.AdminNote,
		&m.ClaimToken,
		&m.ClaimedAt,
		&m.Version,
	)
	if err != nil {
		return model.Message{}, err
	}
	m.Status = model.Status(status)
	return m, nil
}

func (r *PostgresMessageRepo) queryMessages(ctx context.Context, sql string, args ...any) ([]model.Message, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) Create(ctx context.Context, text string, createdAt time.Time) (model.Message, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO spotted_messages (text, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		RETURNING `+messageColumns,
		text, string(model.Pending), createdAt.UTC())
	return scanMessage(row)
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id int64) (model.Message, error) {
	row := r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM spotted_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	return m, err
}

func (r *PostgresMessageRepo) Update(ctx context.Context, m model.Message) (model.Message, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE spotted_messages
		SET text = $3,
		    status = $4,
		    posted_at = $5,
		    moderation_reason = $6,
		    remote_id = $7,
		    error_message = $8,
		    admin_note = $9,
		    claim_token = $10,
		    claimed_at = $11,
		    updated_at = $12,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+messageColumns,
		m.ID,
		m.Version,
		m.Text,
		string(m.Status),
		m.PostedAt,
		m.ModerationReason,
		m.RemoteID,
		m.ErrorMessage,
		m.AdminNote,
		m.ClaimToken,
		m.ClaimedAt,
		m.UpdatedAt.UTC(),
	)
	updated, err := scanMessage(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, err
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM spotted_messages WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
		return model.Message{}, err
	}
	if !exists {
		return model.Message{}, ErrNotFound
	}
	return model.Message{}, ErrVersionConflict
}

func (r *PostgresMessageRepo) List(ctx context.Context, f Filter) ([]model.Message, error) {
	f = f.normalized()

	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)

	sql := `SELECT ` + messageColumns + ` FROM spotted_messages`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.queryMessages(ctx, sql, args...)
}

func (r *PostgresMessageRepo) FindApproved(ctx context.Context, q ApprovedQuery) ([]model.Message, error) {
	args := []any{string(model.Approved)}
	where := []string{"status = $1"}
	if q.From != nil {
		args = append(args, q.From.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, q.To.UTC())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}

	sql := `SELECT ` + messageColumns + ` FROM spotted_messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return r.queryMessages(ctx, sql, args...)
}

func (r *PostgresMessageRepo) FindStaleClaims(ctx context.Context, claimedBefore time.Time) ([]model.Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM spotted_messages
		WHERE status = $1 AND claimed_at < $2
		ORDER BY created_at ASC, id ASC
	`, string(model.Claimed), claimedBefore.UTC())
}

func (r *PostgresMessageRepo) FindUnmoderated(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM spotted_messages
		WHERE status = $1 AND moderation_reason IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, string(model.Pending), limit)
}

func (r *PostgresMessageRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM spotted_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}
