// Package messaging contains the Snippix realtime messaging core: conversation
// keying, the message store, delivery/read tracking, the conversation
// directory, and the realtime fan-out primitives.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-conversation transactional advisory lock, so seq
//     allocation is serialized per conversation and fully parallel across
//     conversations.
//   - Status transitions are a single compare-and-set statement; no lock.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "snippix").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "snippix",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Append appends a message atomically: advisory lock, idempotency check,
// gapless seq allocation, monotonic timestamp clamp, status row, and
// directory rows for both participants, all in one transaction.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("messaging: nil store")
	}
	body, recipient, err := validateAppend(in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	userA, userB, _ := ParseKey(in.ConversationKey)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, wrapPGErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")
	status := pgIdent(s.schema, "message_status")
	directory := pgIdent(s.schema, "conversation_directory")

	// Serialize all writes per conversation to guarantee:
	// - No seq waste for duplicates
	// - Strict monotonic ordering without races
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationKey); err != nil {
		return AppendResult{}, wrapPGErr("advisory lock", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (conversation_key, user_a, user_b, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (conversation_key) DO NOTHING`,
		in.ConversationKey, userA, userB, now,
	); err != nil {
		return AppendResult{}, wrapPGErr("ensure conversation", err)
	}

	existing, err := s.readByClientMsgID(ctx, tx, in.ConversationKey, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, wrapPGErr("commit", err)
		}
		return AppendResult{Message: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, wrapPGErr("dedupe lookup", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_key, next_seq, last_ts)
		 VALUES ($1, 1, 'epoch'::timestamptz)
		 ON CONFLICT (conversation_key) DO NOTHING`,
		in.ConversationKey,
	); err != nil {
		return AppendResult{}, wrapPGErr("ensure cursor", err)
	}

	// The cursor row yields both the gapless seq and the clamped timestamp:
	// last_ts never moves backward, so (created_at, seq) ordering matches seq
	// ordering even under wall-clock skew.
	var (
		seq int64
		ts  time.Time
	)
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_ts = GREATEST(last_ts, $2),
		        updated_at = now()
		  WHERE conversation_key = $1
		RETURNING (next_seq - 1), last_ts`,
		in.ConversationKey, now,
	).Scan(&seq, &ts); err != nil {
		return AppendResult{}, wrapPGErr("allocate seq", err)
	}

	messageID := MustULID(ts)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_key, seq, message_id, client_msg_id, sender_id, body, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ConversationKey, seq, messageID, in.ClientMsgID, in.SenderID, body, ts,
	); err != nil {
		return AppendResult{}, wrapPGErr("insert message", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+status+` (conversation_key, seq, recipient_id, status, updated_at)
		 VALUES ($1, $2, $3, 'sent', $4)`,
		in.ConversationKey, seq, recipient, ts,
	); err != nil {
		return AppendResult{}, wrapPGErr("insert status", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_activity_at = $2 WHERE conversation_key = $1`,
		in.ConversationKey, ts,
	); err != nil {
		return AppendResult{}, wrapPGErr("touch conversation", err)
	}

	preview := makePreview(body)
	for _, pair := range [2][2]string{{userA, userB}, {userB, userA}} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+directory+` (user_id, conversation_key, other_participant, last_preview, last_activity_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, conversation_key) DO UPDATE
			   SET last_preview = EXCLUDED.last_preview,
			       last_activity_at = EXCLUDED.last_activity_at`,
			pair[0], in.ConversationKey, pair[1], preview, ts,
		); err != nil {
			return AppendResult{}, wrapPGErr("upsert directory", err)
		}
	}

	out := Message{
		ConversationKey: in.ConversationKey,
		Seq:             seq,
		MessageID:       messageID,
		ClientMsgID:     in.ClientMsgID,
		SenderID:        in.SenderID,
		Body:            body,
		Status:          StatusSent,
		CreatedAt:       ts,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, wrapPGErr("commit", err)
	}
	return AppendResult{Message: out, Duplicated: false}, nil
}

// ListSince returns messages ordered by seq ASC. With a cursor it pages
// strictly after it; without one it returns the most recent window.
func (s *PostgresStore) ListSince(ctx context.Context, in ListSinceInput) (ListSinceResult, error) {
	if s == nil || s.pool == nil {
		return ListSinceResult{}, errors.New("messaging: nil store")
	}
	if _, _, err := ParseKey(in.ConversationKey); err != nil {
		return ListSinceResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ListSinceResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")
	status := pgIdent(s.schema, "message_status")

	selectCols := `m.conversation_key, m.seq, m.message_id, m.client_msg_id, m.sender_id, m.body,
	               COALESCE(st.status, 'sent'), m.created_at`
	join := messages + ` m LEFT JOIN ` + status + ` st
	          ON st.conversation_key = m.conversation_key AND st.seq = m.seq`

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+selectCols+`
			   FROM `+join+`
			  WHERE m.conversation_key = $1
			  ORDER BY m.seq DESC
			  LIMIT $2`,
			in.ConversationKey, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+selectCols+`
			   FROM `+join+`
			  WHERE m.conversation_key = $1 AND m.seq > $2
			  ORDER BY m.seq ASC
			  LIMIT $3`,
			in.ConversationKey, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return ListSinceResult{}, wrapPGErr("list since", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ConversationKey,
			&m.Seq,
			&m.MessageID,
			&m.ClientMsgID,
			&m.SenderID,
			&m.Body,
			&m.Status,
			&m.CreatedAt,
		); err != nil {
			return ListSinceResult{}, wrapPGErr("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListSinceResult{}, wrapPGErr("list since", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	if in.AfterSeq == nil {
		// The tail query scans DESC; callers always receive ascending order.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	return ListSinceResult{Messages: msgs, HasMore: hasMore}, nil
}

// SetStatus advances the per-(message, recipient) state with a single
// compare-and-set; concurrent transitions need no further coordination.
func (s *PostgresStore) SetStatus(ctx context.Context, conversationKey string, seq int64, recipientID string, next Status, now time.Time) (StatusUpdate, error) {
	if s == nil || s.pool == nil {
		return StatusUpdate{}, errors.New("messaging: nil store")
	}
	if !next.Valid() {
		return StatusUpdate{}, fmt.Errorf("%w: unknown status %q", ErrValidation, next)
	}
	if err := ctx.Err(); err != nil {
		return StatusUpdate{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	statusTable := pgIdent(s.schema, "message_status")
	messages := pgIdent(s.schema, "messages")

	upd := StatusUpdate{
		ConversationKey: conversationKey,
		Seq:             seq,
		RecipientID:     recipientID,
		At:              now,
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+statusTable+`
		    SET status = $4, updated_at = $5
		  WHERE conversation_key = $1 AND seq = $2 AND recipient_id = $3
		    AND CASE status WHEN 'sent' THEN 0 WHEN 'delivered' THEN 1 ELSE 2 END < $6`,
		conversationKey, seq, recipientID, string(next), now, next.Rank(),
	)
	if err != nil {
		return StatusUpdate{}, wrapPGErr("set status", err)
	}
	if tag.RowsAffected() == 1 {
		upd.Status = next
		upd.Applied = true
		return upd, nil
	}

	// The CAS did not fire: either a repeat/regression, a caller that is not
	// the recipient, or a message that does not exist.
	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM `+statusTable+`
		  WHERE conversation_key = $1 AND seq = $2 AND recipient_id = $3`,
		conversationKey, seq, recipientID,
	).Scan(&current)
	if err == nil {
		upd.Status = Status(current)
		if upd.Status == next {
			return upd, nil // idempotent repeat
		}
		return upd, ErrInvalidTransition
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return StatusUpdate{}, wrapPGErr("read status", err)
	}

	var one int
	err = s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+messages+` WHERE conversation_key = $1 AND seq = $2`,
		conversationKey, seq,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusUpdate{}, ErrMessageNotFound
	}
	if err != nil {
		return StatusUpdate{}, wrapPGErr("read message", err)
	}
	return StatusUpdate{}, fmt.Errorf("%w: %s for message %d", ErrNotRecipient, recipientID, seq)
}

// ListConversations pages the user's directory ordered by last activity
// descending with a (last_activity_at, conversation_key) row-value cursor.
func (s *PostgresStore) ListConversations(ctx context.Context, in ListConversationsInput) (ListConversationsResult, error) {
	if s == nil || s.pool == nil {
		return ListConversationsResult{}, errors.New("messaging: nil store")
	}
	if !ValidUserID(in.UserID) {
		return ListConversationsResult{}, fmt.Errorf("%w: bad user id", ErrInvalidParticipants)
	}
	if err := ctx.Err(); err != nil {
		return ListConversationsResult{}, err
	}

	limit := clampDirectoryLimit(in.Limit)
	fetch := limit + 1

	directory := pgIdent(s.schema, "conversation_directory")
	statusTable := pgIdent(s.schema, "message_status")

	base := `SELECT d.conversation_key, d.other_participant, d.last_preview, d.last_activity_at,
	           (SELECT count(*) FROM ` + statusTable + ` st
	             WHERE st.conversation_key = d.conversation_key
	               AND st.recipient_id = d.user_id
	               AND st.status <> 'seen') AS unread
	      FROM ` + directory + ` d
	     WHERE d.user_id = $1`
	order := ` ORDER BY d.last_activity_at DESC, d.conversation_key DESC`

	var (
		rows pgx.Rows
		err  error
	)
	if in.Cursor == nil {
		rows, err = s.pool.Query(ctx, base+order+` LIMIT $2`, in.UserID, fetch)
	} else {
		rows, err = s.pool.Query(ctx,
			base+` AND (d.last_activity_at, d.conversation_key) < ($2, $3)`+order+` LIMIT $4`,
			in.UserID, in.Cursor.LastActivityAt, in.Cursor.ConversationKey, fetch,
		)
	}
	if err != nil {
		return ListConversationsResult{}, wrapPGErr("list conversations", err)
	}
	defer rows.Close()

	entries := make([]ConversationSummary, 0, fetch)
	for rows.Next() {
		var e ConversationSummary
		if err := rows.Scan(
			&e.ConversationKey,
			&e.OtherParticipant,
			&e.LastMessagePreview,
			&e.LastActivityAt,
			&e.UnreadCount,
		); err != nil {
			return ListConversationsResult{}, wrapPGErr("scan directory", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return ListConversationsResult{}, wrapPGErr("list conversations", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	out := ListConversationsResult{Conversations: entries, HasMore: hasMore}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		out.Cursor = &DirectoryCursor{
			LastActivityAt:  last.LastActivityAt,
			ConversationKey: last.ConversationKey,
		}
	}
	return out, nil
}

func (s *PostgresStore) readByClientMsgID(ctx context.Context, tx pgx.Tx, conversationKey, clientMsgID string) (Message, error) {
	messages := pgIdent(s.schema, "messages")
	status := pgIdent(s.schema, "message_status")

	var m Message
	err := tx.QueryRow(ctx,
		`SELECT m.conversation_key, m.seq, m.message_id, m.client_msg_id, m.sender_id, m.body,
		        COALESCE(st.status, 'sent'), m.created_at
		   FROM `+messages+` m
		   LEFT JOIN `+status+` st
		     ON st.conversation_key = m.conversation_key AND st.seq = m.seq
		  WHERE m.conversation_key = $1 AND m.client_msg_id = $2`,
		conversationKey, clientMsgID,
	).Scan(&m.ConversationKey, &m.Seq, &m.MessageID, &m.ClientMsgID, &m.SenderID, &m.Body, &m.Status, &m.CreatedAt)
	return m, err
}

// wrapPGErr wraps transient persistence errors in ErrStoreUnavailable so the
// append path can retry them; everything else passes through with context.
func wrapPGErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransientPG(err) {
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransientPG(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case strings.HasPrefix(pgErr.Code, "57"): // operator intervention / shutdown
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization / deadlock
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isValidPGIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
