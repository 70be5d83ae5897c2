package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to the given database URL and verifies
// connectivity before returning. Callers treat a failure here as fatal.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.pool.Ping(ctx), "ping database")
}

// SaveMessage inserts a message with status "sent" and returns the
// store-assigned id and timestamp.
func (s *PostgresStore) SaveMessage(ctx context.Context, chatID, senderID int64, content string) (int64, time.Time, error) {
	var (
		id     int64
		sentAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (chat_id, sender_id, content, sent_at, status)
		VALUES ($1, $2, $3, NOW(), 'sent')
		RETURNING id, sent_at
	`, chatID, senderID, content).Scan(&id, &sentAt)
	if err != nil {
		return 0, time.Time{}, errors.Wrap(err, "insert message")
	}
	return id, sentAt, nil
}

// ChatHistory returns the chat's messages ascending by sent_at, each joined
// with its sender's display names.
func (s *PostgresStore) ChatHistory(ctx context.Context, chatID int64) ([]MessageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.sender_id, m.content, m.sent_at, m.status,
		       u.firstname, u.lastname
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = $1
		ORDER BY m.sent_at ASC
	`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "query chat history")
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.SenderID, &rec.Content, &rec.SentAt, &rec.Status, &rec.Firstname, &rec.Lastname); err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read chat history")
	}
	return records, nil
}

// ChatParticipants returns the user IDs belonging to a chat.
func (s *PostgresStore) ChatParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM chat_participants WHERE chat_id = $1
	`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "query chat participants")
	}
	defer rows.Close()

	var participants []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, "scan participant row")
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read chat participants")
	}
	return participants, nil
}

// SenderDetails resolves a user's display details.
func (s *PostgresStore) SenderDetails(ctx context.Context, senderID int64) (Sender, error) {
	var sender Sender
	err := s.pool.QueryRow(ctx, `
		SELECT id, firstname, lastname FROM users WHERE id = $1
	`, senderID).Scan(&sender.ID, &sender.Firstname, &sender.Lastname)
	if err != nil {
		return Sender{}, errors.Wrap(err, "query sender details")
	}
	return sender, nil
}

// UpdateMessageStatus advances the status of one message. The predicate keeps
/// the transition monotonic: a row already at "read" is never pulled back to
// "delivered" by a late status update.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, messageID int64, status Status) error {
	if !status.Valid() {
		return errors.Errorf("unknown message status %q", status)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $1
		WHERE id = $2
		  AND array_position(ARRAY['sent','delivered','read'], status)
		    < array_position(ARRAY['sent','delivered','read'], $1::text)
	`, string(status), messageID)
	return errors.Wrap(err, "update message status")
}
