// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fitsync/liveworkout/internal/live/model"
)

// CreateNotification persists a sender→receiver envelope. An empty ID is
// filled in; CreatedAt defaults to now.
func (s *SqliteStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	if n.UserID == "" {
		return errors.New("notification receiver required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	dataJSON, _ := json.Marshal(n.Data)

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, data_json, read, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, dataJSON, n.Read, n.CreatedAt.UnixMilli(),
	)
	return err
}

// MarkRead flags a notification as read. Unknown ids are a no-op.
func (s *SqliteStore) MarkRead(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	return err
}

// ListUnread returns the receiver's unread notifications, oldest first.
func (s *SqliteStore) ListUnread(ctx context.Context, userID string) ([]*model.Notification, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, type, title, body, data_json, read, created_at_ms
		FROM notifications WHERE user_id = ? AND read = 0
		ORDER BY created_at_ms ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Notification
	for rows.Next() {
		var n model.Notification
		var dataJSON []byte
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &dataJSON, &n.Read, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(dataJSON, &n.Data)
		n.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &n)
	}
	return out, rows.Err()
}
