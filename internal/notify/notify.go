// Package notify owns user-visible notifications. One notification is
// created when an analysis reaches ANALISADO; delivery is poll-based through
// the orchestrator surface.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification is one read/unread user alert with a weak back-reference to
// its analysis (cascade-deleted with it).
type Notification struct {
	ID         uuid.UUID `json:"id"`
	AnalysisID uuid.UUID `json:"analysis_id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	IsRead     bool      `json:"is_read"`
	Link       string    `json:"link"`
	CreatedAt  time.Time `json:"created_at"`
}

// Service persists and queries notifications.
type Service struct {
	db *sql.DB
}

// NewService binds the service to a connection pool.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Create stores a new unread notification.
func (s *Service) Create(ctx context.Context, analysisID uuid.UUID, title, message, link string) (*Notification, error) {
	n := &Notification{
		ID:         uuid.New(),
		AnalysisID: analysisID,
		Title:      title,
		Message:    message,
		Link:       link,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, analysis_id, title, message, is_read, link, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6)`,
		n.ID, n.AnalysisID, n.Title, n.Message, n.Link, n.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

// ListUnread returns up to limit unread notifications, newest first.
func (s *Service) ListUnread(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, title, message, is_read, link, created_at
		 FROM notifications WHERE is_read = FALSE
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.AnalysisID, &n.Title, &n.Message, &n.IsRead, &n.Link, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead flips is_read to true. Returns false when the id is unknown.
// The flip is one-way; marking an already-read notification succeeds.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
