package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/notification"
)

// ErrNotFound is returned when no notification exists for the given id.
var ErrNotFound = errors.New("notification not found")

// Statuses a due or expiry query must never pick up again.
var terminalStatuses = []string{
	string(notification.StatusRead),
	string(notification.StatusFailed),
	string(notification.StatusExpired),
}

// Postgres implements the delivery store contract over a notifications
// table keyed by the aggregate id.
type Postgres struct {
	db     *DB
	logger *zap.Logger
}

func NewPostgres(db *DB, logger *zap.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// Save upserts the aggregate document. nextAttemptAt drives the ListDue
// poll; nil parks the row until a later mutation sets a new due time.
func (s *Postgres) Save(ctx context.Context, n *notification.Notification, nextAttemptAt *time.Time) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	query := `
		INSERT INTO notifications (id, status, next_attempt_at, expires_at, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			next_attempt_at = EXCLUDED.next_attempt_at,
			expires_at = EXCLUDED.expires_at,
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`

	_, err = s.db.Pool().Exec(ctx, query,
		n.ID,
		string(n.Status),
		nextAttemptAt,
		n.ExpiresAt,
		payload,
		n.CreatedAt,
	)
	if err != nil {
		s.logger.Error("failed to save notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// Load retrieves a notification by id.
func (s *Postgres) Load(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	var payload []byte
	err := s.db.Pool().QueryRow(ctx,
		`SELECT payload FROM notifications WHERE id = $1`, id,
	).Scan(&payload)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return decode(payload)
}

// ListDue returns notifications whose next attempt time has passed,
// oldest due first.
func (s *Postgres) ListDue(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	query := `
		SELECT payload
		FROM notifications
		WHERE next_attempt_at IS NOT NULL
		  AND next_attempt_at <= $1
		  AND status != ALL($2)
		ORDER BY next_attempt_at ASC
		LIMIT $3
	`
	return s.list(ctx, query, now, terminalStatuses, limit)
}

// ListExpired returns non-terminal notifications past their expiry.
func (s *Postgres) ListExpired(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	query := `
		SELECT payload
		FROM notifications
		WHERE expires_at <= $1
		  AND status = ANY($2)
		ORDER BY expires_at ASC
		LIMIT $3
	`
	expirable := []string{
		string(notification.StatusPending),
		string(notification.StatusScheduled),
	}
	return s.list(ctx, query, now, expirable, limit)
}

func (s *Postgres) list(ctx context.Context, query string, now time.Time, statuses []string, limit int) ([]*notification.Notification, error) {
	rows, err := s.db.Pool().Query(ctx, query, now, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func decode(payload []byte) (*notification.Notification, error) {
	var n notification.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}
