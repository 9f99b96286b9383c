// Package pgstore is the Postgres store adapter. Sequencing relies on a
// per-conversation transactional advisory lock so the sequence read and the
// message insert commit as one atomic unit, with no gaps under concurrency.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veilchat/veild/internal/domain"
	"github.com/veilchat/veild/internal/store"
)

// Store does not own the pool; the caller closes it.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool against DATABASE_URL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS conversations (
    id              UUID PRIMARY KEY,
    type            TEXT NOT NULL,
    settings        JSONB NOT NULL DEFAULT '{}',
    last_message_id UUID,
    last_message_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    deleted_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS participants (
    conversation_id UUID NOT NULL REFERENCES conversations(id),
    user_id         UUID NOT NULL,
    role            TEXT NOT NULL,
    joined_at       TIMESTAMPTZ NOT NULL,
    left_at         TIMESTAMPTZ,
    last_read_at    TIMESTAMPTZ,
    PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id                 UUID PRIMARY KEY,
    conversation_id    UUID NOT NULL REFERENCES conversations(id),
    sender_id          UUID NOT NULL,
    type               TEXT NOT NULL,
    encrypted_content  BYTEA NOT NULL,
    payload_size_bytes INT NOT NULL,
    seq                BIGINT NOT NULL,
    status             TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    delivered_at       TIMESTAMPTZ,
    read_at            TIMESTAMPTZ,
    deleted_at         TIMESTAMPTZ,
    UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS messages_created_id_idx ON messages (created_at, id);

CREATE TABLE IF NOT EXISTS idempotency (
    sender_id  UUID NOT NULL,
    key        TEXT NOT NULL,
    message_id UUID NOT NULL REFERENCES messages(id),
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (sender_id, key)
);
`

// EnsureSchema creates the tables if missing. Production migrations run out
// of band; this keeps dev and CI self-contained.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

const messageColumns = `id, conversation_id, sender_id, type, encrypted_content,
payload_size_bytes, seq, status, created_at, delivered_at, read_at, deleted_at`

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.EncryptedContent,
		&m.PayloadSizeBytes, &m.Seq, &m.Status, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt, &m.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Append retries the seq assignment a bounded number of times. The advisory
// lock serializes writers of the same conversation, so retries only fire when
// the lock path is bypassed (e.g. a foreign writer), surfacing as 23505.
func (s *Store) Append(ctx context.Context, in store.AppendInput) (store.AppendResult, error) {
	var res store.AppendResult
	var lastErr error
	for attempt := 0; attempt < store.SequencerRetries; attempt++ {
		res, lastErr = s.appendOnce(ctx, in)
		if lastErr == nil {
			return res, nil
		}
		if !isUniqueViolation(lastErr) {
			return store.AppendResult{}, lastErr
		}
	}
	return store.AppendResult{}, domain.Wrap(domain.KindSequencerContention,
		"SEQUENCER_CONTENTION", "could not assign sequence after bounded retries", lastErr)
}

func (s *Store) appendOnce(ctx context.Context, in store.AppendInput) (store.AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.AppendResult{}, domain.Wrap(domain.KindUnavailable, "STORE_UNAVAILABLE", "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// Serialize writers of this conversation for the life of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`,
		in.Message.ConversationID); err != nil {
		return store.AppendResult{}, err
	}

	if in.IdempotencyKey != "" {
		var existingID uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT message_id FROM idempotency
			 WHERE sender_id = $1 AND key = $2 AND expires_at > now()`,
			in.Message.SenderID, in.IdempotencyKey).Scan(&existingID)
		switch {
		case err == nil:
			existing, err := scanMessage(tx.QueryRow(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE id = $1`, existingID))
			if err != nil {
				return store.AppendResult{}, err
			}
			return store.AppendResult{Message: *existing, Replayed: true}, tx.Commit(ctx)
		case errors.Is(err, pgx.ErrNoRows):
			// fresh send
		default:
			return store.AppendResult{}, err
		}
	}

	m := in.Message
	if m.Status == "" {
		m.Status = domain.StatusSent
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, type, encrypted_content,
		     payload_size_bytes, seq, status, created_at)
		 SELECT $1, $2, $3, $4, $5, $6,
		     COALESCE(MAX(seq), 0) + 1, $7, $8
		 FROM messages WHERE conversation_id = $2
		 RETURNING seq`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.EncryptedContent,
		m.PayloadSizeBytes, m.Status, m.CreatedAt).Scan(&m.Seq)
	if err != nil {
		return store.AppendResult{}, err
	}

	if in.IdempotencyKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO idempotency (sender_id, key, message_id, expires_at)
			 VALUES ($1, $2, $3, now() + interval '24 hours')`,
			m.SenderID, in.IdempotencyKey, m.ID); err != nil {
			return store.AppendResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET last_message_id = $1, last_message_at = $2 WHERE id = $3`,
		m.ID, m.CreatedAt, m.ConversationID); err != nil {
		return store.AppendResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.AppendResult{}, err
	}
	return store.AppendResult{Message: m}, nil
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *Store) List(ctx context.Context, f store.ListFilter, cursor string, limit int) ([]domain.Message, string, error) {
	tok, err := store.DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = store.ClampLimit(limit)

	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []any{f.ConversationID}
	idx := 2
	if !f.IncludeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	if f.SenderID != nil {
		q += fmt.Sprintf(` AND sender_id = $%d`, idx)
		args = append(args, *f.SenderID)
		idx++
	}
	if f.Type != nil {
		q += fmt.Sprintf(` AND type = $%d`, idx)
		args = append(args, *f.Type)
		idx++
	}
	if f.Before != nil {
		q += fmt.Sprintf(` AND created_at < $%d`, idx)
		args = append(args, *f.Before)
		idx++
	}
	if f.After != nil {
		q += fmt.Sprintf(` AND created_at > $%d`, idx)
		args = append(args, *f.After)
		idx++
	}
	if tok != nil {
		q += fmt.Sprintf(` AND (created_at, id::text) > ($%d, $%d)`, idx, idx+1)
		args = append(args, tok.CreatedAt, tok.ID.String())
		idx += 2
	}
	q += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var items []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", err
		}
		items = append(items, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(items) == limit {
		next = store.EncodeCursor(items[len(items)-1])
	}
	return items, next, nil
}

func (s *Store) ListRange(ctx context.Context, conversationID uuid.UUID, afterSeq, throughSeq uint64, limit int) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND seq > $2 AND seq <= $3
		 ORDER BY seq ASC LIMIT $4`,
		conversationID, afterSeq, throughSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *m)
	}
	return items, rows.Err()
}

func (s *Store) TipSeq(ctx context.Context, conversationID uuid.UUID) (uint64, error) {
	var tip uint64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $1`,
		conversationID).Scan(&tip)
	return tip, err
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET deleted_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (s *Store) MarkStatus(ctx context.Context, id uuid.UUID, status domain.MessageStatus, at time.Time) error {
	// Monotonicity enforced in SQL: the CASE ranks mirror the domain order.
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET
		     status = $1,
		     delivered_at = CASE WHEN $1 = 'delivered' THEN $2 ELSE delivered_at END,
		     read_at      = CASE WHEN $1 = 'read' THEN $2 ELSE read_at END
		 WHERE id = $3
		   AND (CASE status WHEN 'pending' THEN 0 WHEN 'sent' THEN 1
		        WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END)
		     < (CASE $1::text WHEN 'pending' THEN 0 WHEN 'sent' THEN 1
		        WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END)`,
		status, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either unknown id or a backwards transition.
		if _, ferr := s.FindByID(ctx, id); ferr != nil {
			return ferr
		}
		return domain.E(domain.KindConflict, "STATUS_NOT_MONOTONIC", "status transition would move backwards")
	}
	return nil
}

func (s *Store) MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = 'read', read_at = $1
		 WHERE id = ANY($2)
		   AND (CASE status WHEN 'pending' THEN 0 WHEN 'sent' THEN 1
		        WHEN 'delivered' THEN 2 ELSE 9 END) < 3`,
		at, ids)
	return err
}

func (s *Store) FindConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, settings, last_message_id, last_message_at, created_at, deleted_at
		 FROM conversations WHERE id = $1 AND deleted_at IS NULL`, id).
		Scan(&c.ID, &c.Type, &c.Settings, &c.LastMessageID, &c.LastMessageAt, &c.CreatedAt, &c.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, role, joined_at, left_at, last_read_at
		 FROM participants WHERE conversation_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.LastReadAt); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, p)
	}
	return &c, rows.Err()
}

func (s *Store) CreateConversation(ctx context.Context, c domain.Conversation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, type, settings, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Type, c.Settings, c.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.E(domain.KindConflict, "CONVERSATION_EXISTS", "conversation id already exists")
		}
		return err
	}
	for _, p := range c.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
			c.ID, p.UserID, p.Role, p.JoinedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) SoftDeleteConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET deleted_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *Store) AddParticipant(ctx context.Context, conversationID uuid.UUID, p domain.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, joined_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id, user_id)
		 DO UPDATE SET left_at = NULL, role = EXCLUDED.role`,
		conversationID, p.UserID, p.Role, p.JoinedAt)
	return err
}

func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET left_at = $1
		 WHERE conversation_id = $2 AND user_id = $3 AND role <> 'owner'`,
		at, conversationID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var role string
		err := s.pool.QueryRow(ctx,
			`SELECT role FROM participants WHERE conversation_id = $1 AND user_id = $2`,
			conversationID, userID).Scan(&role)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotParticipant
		}
		if err == nil && role == "owner" {
			return domain.E(domain.KindForbidden, "OWNER_IMMUTABLE", "owners cannot be removed")
		}
		return err
	}
	return nil
}

func (s *Store) SetLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET last_read_at = $1 WHERE conversation_id = $2 AND user_id = $3`,
		at, conversationID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotParticipant
	}
	return nil
}
