package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

const messageColumns = `seq, id, owner_id, client_id, sender_id, sender_role, body, created_at, edited_at`

const latestColumns = `m.seq, m.id, m.owner_id, m.client_id, m.sender_id, m.sender_role, m.body, m.created_at, m.edited_at`

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (id, owner_id, client_id, sender_id, sender_role, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO NOTHING
		RETURNING seq
	`
	err := r.db.QueryRowContext(ctx, query,
		m.ID,
		m.OwnerID,
		nullable(m.ClientID),
		m.SenderID,
		m.SenderRole.String(),
		m.Body,
		m.CreatedAt,
	).Scan(&m.Seq)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("insert message: %w", err)
	}

	existing, err := r.scanOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE client_id = ?`, m.ClientID)
	if err != nil {
		return false, fmt.Errorf("load existing message: %w", err)
	}
	*m = *existing
	return false, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	return r.scanOne(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
}

func (r *MessageRepo) Update(ctx context.Context, m *domain.Message) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET body = ?, edited_at = ? WHERE id = ?`, m.Body, m.EditedAt, m.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MessageRepo) ListForOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE owner_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanChronological(rows)
}

func (r *MessageRepo) ListAll(ctx context.Context, limit int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		ORDER BY created_at DESC, seq DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list all messages: %w", err)
	}
	return scanChronological(rows)
}

func (r *MessageRepo) Summaries(ctx context.Context, readMarks map[string]int64) ([]*domain.ConversationSummary, error) {
	// The latest row of each owner is the one no other row of that owner
	// comes after.
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+latestColumns+`, agg.total, agg.customer_total
		FROM messages m
		JOIN (
			SELECT owner_id,
				COUNT(*) AS total,
				SUM(CASE WHEN sender_role = ? THEN 1 ELSE 0 END) AS customer_total
			FROM messages
			GROUP BY owner_id
		) agg ON agg.owner_id = m.owner_id
		WHERE NOT EXISTS (
			SELECT 1 FROM messages newer
			WHERE newer.owner_id = m.owner_id
			  AND (newer.created_at > m.created_at
			       OR (newer.created_at = m.created_at AND newer.seq > m.seq))
		)
		ORDER BY m.created_at DESC, m.seq DESC
	`, domain.RoleUser.String())
	if err != nil {
		return nil, fmt.Errorf("summarize conversations: %w", err)
	}
	defer rows.Close()

	var res []*domain.ConversationSummary
	for rows.Next() {
		sum := &domain.ConversationSummary{}
		if err := scanMessage(rows, &sum.LastMessage, &sum.Count, &sum.Unread); err != nil {
			return nil, err
		}
		sum.OwnerID = sum.LastMessage.OwnerID
		res = append(res, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, sum := range res {
		mark := readMarks[sum.OwnerID]
		if mark <= 0 {
			continue
		}
		if err := r.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE owner_id = ? AND sender_role = ? AND seq > ?
		`, sum.OwnerID, domain.RoleUser.String(), mark).Scan(&sum.Unread); err != nil {
			return nil, fmt.Errorf("count unread messages: %w", err)
		}
	}
	return res, nil
}

func (r *MessageRepo) DeleteForOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

func (r *MessageRepo) PruneOld(ctx context.Context, ownerID string, keepLimit int) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE owner_id = ?
		  AND seq NOT IN (
			SELECT seq FROM messages
			WHERE owner_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		  )
	`, ownerID, ownerID, keepLimit)
	if err != nil {
		return fmt.Errorf("prune old messages: %w", err)
	}
	return nil
}

func (r *MessageRepo) scanOne(ctx context.Context, query string, arg any) (*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, domain.ErrNotFound
	}
	return msgs[0], nil
}

// scanChronological scans rows selected newest first and returns them oldest first.
func scanChronological(rows *sql.Rows) ([]*domain.Message, error) {
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := scanMessage(rows, m); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// scanMessage reads messageColumns into m, followed by any extra columns.
func scanMessage(rows *sql.Rows, m *domain.Message, extra ...any) error {
	var clientID sql.NullString
	var role string
	dest := []any{
		&m.Seq,
		&m.ID,
		&m.OwnerID,
		&clientID,
		&m.SenderID,
		&role,
		&m.Body,
		&m.CreatedAt,
		&m.EditedAt,
	}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return fmt.Errorf("scan message: %w", err)
	}
	m.ClientID = clientID.String
	parsed, err := domain.ParseRole(role)
	if err != nil {
		return fmt.Errorf("scan message %s: %w", m.ID, err)
	}
	m.SenderRole = parsed
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
