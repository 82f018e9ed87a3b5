// Package postgres is the Postgres-backed gateway.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-taskhub/pkg/gateway"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Gateway struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

// Connect opens a pool for url. maxConns of 0 keeps the pgx default.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", gateway.ErrUnavailable, err)
	}
	return pool, nil
}

func New(logger *slog.Logger, pool *pgxpool.Pool) *Gateway {
	return &Gateway{
		pool:   pool,
		logger: logger.With(slog.String("component", "gateway_postgres")),
	}
}

func (g *Gateway) StoreComment(ctx context.Context, c gateway.Comment) (string, error) {
	if c.TaskID == "" || c.Text == "" {
		return "", fmt.Errorf("%w: comment needs a task and text", gateway.ErrInvalid)
	}
	id := uuid.New()
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := g.pool.Exec(ctx, `
		INSERT INTO task_comments (id, task_id, user_id, user_email, author, body, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, c.TaskID, c.UserID, c.UserEmail, c.Author, c.Text, c.ParentID, createdAt,
	)
	if err != nil {
		return "", g.wrap("store comment", err)
	}
	return id.String(), nil
}

func (g *Gateway) LogTaskUpdate(ctx context.Context, taskID, userID string, payload json.RawMessage) error {
	if taskID == "" {
		return fmt.Errorf("%w: task update without task id", gateway.ErrInvalid)
	}
	_, err := g.pool.Exec(ctx, `
		INSERT INTO task_update_log (task_id, user_id, payload) VALUES ($1, $2, $3)`,
		taskID, userID, []byte(payload),
	)
	if err != nil {
		return g.wrap("log task update", err)
	}
	return nil
}

// LookupUserByHandle tries an exact case-insensitive handle match, then a
// substring match on handle or display name.
func (g *Gateway) LookupUserByHandle(ctx context.Context, handle string) (gateway.Identity, bool, error) {
	if handle == "" {
		return gateway.Identity{}, false, nil
	}

	var id gateway.Identity
	err := g.pool.QueryRow(ctx, `
		SELECT id, display_name, email FROM users WHERE lower(handle) = lower($1)`,
		handle,
	).Scan(&id.UserID, &id.DisplayName, &id.Email)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return gateway.Identity{}, false, g.wrap("lookup user", err)
	}

	err = g.pool.QueryRow(ctx, `
		SELECT id, display_name, email FROM users
		WHERE handle ILIKE '%' || $1 || '%' OR display_name ILIKE '%' || $1 || '%'
		ORDER BY handle
		LIMIT 1`,
		handle,
	).Scan(&id.UserID, &id.DisplayName, &id.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.Identity{}, false, nil
	}
	if err != nil {
		return gateway.Identity{}, false, g.wrap("lookup user", err)
	}
	return id, true, nil
}

func (g *Gateway) QueueNotification(ctx context.Context, n gateway.Notification) error {
	if n.RecipientID == "" {
		return fmt.Errorf("%w: notification without recipient", gateway.ErrInvalid)
	}
	id, err := uuid.Parse(n.ID)
	if err != nil {
		id = uuid.New()
	}
	ts := n.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = g.pool.Exec(ctx, `
		INSERT INTO notifications (id, type, recipient_id, sender_id, task_id, comment_id, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		id, string(n.Type), n.RecipientID, n.SenderID, n.TaskID, n.CommentID, n.Title, n.Message, ts,
	)
	if err != nil {
		return g.wrap("queue notification", err)
	}
	return nil
}

// UpsertUser adds or updates a directory entry.
func (g *Gateway) UpsertUser(ctx context.Context, handle string, id gateway.Identity) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO users (id, handle, display_name, email) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET handle = EXCLUDED.handle, display_name = EXCLUDED.display_name, email = EXCLUDED.email`,
		id.UserID, handle, id.DisplayName, id.Email,
	)
	if err != nil {
		return g.wrap("upsert user", err)
	}
	return nil
}

func (g *Gateway) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, gateway.ErrUnavailable, err)
	}
	g.logger.Error("Database operation failed", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("%s: %w", op, err)
}
