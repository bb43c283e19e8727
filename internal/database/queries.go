package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	accountColumns = "id, user_name, full_name, email, avatar, password_hash, created_at, updated_at"
	messageColumns = "id, conversation_id, sender_id, content, COALESCE(client_id, ''), created_at, edited_at"

	conversationQuery = `
		SELECT
				c.id,
				c.name,
				c.is_group,
				COALESCE(c.admin_id, ''),
				COALESCE(c.latest_message_id, ''),
				c.created_at,
				c.updated_at,
				ARRAY(
					SELECT m.account_id FROM conversation_members m
					WHERE m.conversation_id = c.id
					ORDER BY m.joined_at, m.account_id
				)
		FROM conversations c
`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(
		&a.Id,
		&a.UserName,
		&a.FullName,
		&a.Email,
		&a.Avatar,
		&a.PasswordHash,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.Name,
		&c.IsGroup,
		&c.AdminId,
		&c.LatestMessageId,
		&c.CreatedAt,
		&c.UpdatedAt,
		pq.Array(&c.Members),
	)
	return c, err
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m        Message
		editedAt sql.NullTime
	)
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.Content,
		&m.ClientId,
		&m.CreatedAt,
		&editedAt,
	)
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return m, err
}

func (db *PgStore) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts ("+accountColumns+") "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING "+accountColumns,
		uuid.NewString(),
		params.UserName,
		params.FullName,
		params.Email,
		params.Avatar,
		params.PasswordHash,
		now,
	)

	a, err := scanAccount(row)
	if isUniqueViolation(err) {
		return Account{}, ErrConflict
	}
	return a, err
}

func (db *PgStore) GetAccountById(ctx context.Context, id string) (Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1 LIMIT 1",
		id,
	)

	a, err := scanAccount(row)
	return a, notFound(err)
}

func (db *PgStore) GetAccountByLogin(ctx context.Context, login string) (Account, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email = $1 OR user_name = $1 LIMIT 1",
		login,
	)

	a, err := scanAccount(row)
	return a, notFound(err)
}

func (db *PgStore) GetAccountsByIds(ctx context.Context, ids []string) ([]Account, error) {
	if len(ids) == 0 {
		return []Account{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanAccount)
}

func (db *PgStore) SearchAccounts(ctx context.Context, query, excludeId string, limit int) ([]Account, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts "+
			"WHERE id <> $1 AND (user_name ILIKE $2 OR full_name ILIKE $2 OR email ILIKE $2) "+
			"ORDER BY user_name LIMIT $3",
		excludeId,
		pattern,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search accounts: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanAccount)
}

func (db *PgStore) CreateConversation(ctx context.Context, params CreateConversationParams) (conv Conversation, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var directKey sql.NullString
	if !params.IsGroup && len(params.Members) == 2 {
		directKey = nullString(DirectKey(params.Members[0], params.Members[1]))
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO conversations (id, name, is_group, admin_id, direct_key, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) ON CONFLICT (direct_key) DO NOTHING",
		params.Id,
		params.Name,
		params.IsGroup,
		nullString(params.AdminId),
		directKey,
		now,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrConflict
		return Conversation{}, err
	}

	for i, member := range params.Members {
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO conversation_members (conversation_id, account_id, joined_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT DO NOTHING",
			params.Id,
			member,
			now.Add(time.Duration(i)*time.Microsecond),
		); err != nil {
			return Conversation{}, fmt.Errorf("insert member: %w", err)
		}
	}

	conv, err = scanConversation(tx.QueryRowContext(ctx, conversationQuery+"WHERE c.id = $1", params.Id))
	if err != nil {
		return Conversation{}, fmt.Errorf("read conversation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit: %w", err)
	}

	return conv, nil
}

func (db *PgStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(db.conn.QueryRowContext(ctx, conversationQuery+"WHERE c.id = $1", id))
	return c, notFound(err)
}

func (db *PgStore) GetDirectConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	c, err := scanConversation(db.conn.QueryRowContext(ctx,
		conversationQuery+"WHERE c.direct_key = $1",
		DirectKey(userA, userB),
	))
	return c, notFound(err)
}

func (db *PgStore) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		conversationQuery+
			"WHERE c.id IN (SELECT conversation_id FROM conversation_members WHERE account_id = $1) "+
			"ORDER BY c.updated_at DESC, c.id",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanConversation)
}

func (db *PgStore) RenameConversation(ctx context.Context, id, name string) (Conversation, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET name = $2, updated_at = $3 WHERE id = $1",
		id,
		name,
		time.Now().UTC(),
	)
	if err := checkAffected(res, err); err != nil {
		return Conversation{}, err
	}

	return db.GetConversation(ctx, id)
}

func (db *PgStore) AddMember(ctx context.Context, id, userId string) (Conversation, error) {
	now := time.Now().UTC()
	if _, err := db.conn.ExecContext(ctx,
		"WITH target AS (UPDATE conversations SET updated_at = $3 WHERE id = $1 RETURNING id) "+
			"INSERT INTO conversation_members (conversation_id, account_id, joined_at) "+
			"SELECT id, $2, $3 FROM target ON CONFLICT DO NOTHING",
		id,
		userId,
		now,
	); err != nil {
		return Conversation{}, fmt.Errorf("add member: %w", err)
	}

	// a missing conversation surfaces as ErrNotFound here
	return db.GetConversation(ctx, id)
}

func (db *PgStore) RemoveMember(ctx context.Context, id, userId string) (Conversation, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM conversation_members WHERE conversation_id = $1 AND account_id = $2",
		id,
		userId,
	)
	if err := checkAffected(res, err); err != nil {
		return Conversation{}, err
	}

	if _, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET updated_at = $2 WHERE id = $1",
		id,
		time.Now().UTC(),
	); err != nil {
		return Conversation{}, fmt.Errorf("touch conversation: %w", err)
	}

	return db.GetConversation(ctx, id)
}

func (db *PgStore) SetLatestMessage(ctx context.Context, id, messageId string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET latest_message_id = $2, updated_at = $3 WHERE id = $1",
		id,
		nullString(messageId),
		time.Now().UTC(),
	)
	return checkAffected(res, err)
}

func (db *PgStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM conversations WHERE id = $1", id)
	return checkAffected(res, err)
}

func (db *PgStore) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (id, conversation_id, sender_id, content, client_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+messageColumns,
		uuid.NewString(),
		params.ConversationId,
		params.SenderId,
		params.Content,
		nullString(params.ClientId),
		time.Now().UTC(),
	)

	m, err := scanMessage(row)
	if isUniqueViolation(err) {
		return Message{}, ErrConflict
	}
	return m, err
}

func (db *PgStore) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1",
		id,
	))
	return m, notFound(err)
}

func (db *PgStore) GetMessageByClientId(ctx context.Context, senderId, conversationId, clientId string) (Message, error) {
	m, err := scanMessage(db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE sender_id = $1 AND conversation_id = $2 AND client_id = $3",
		senderId,
		conversationId,
		clientId,
	))
	return m, notFound(err)
}

func (db *PgStore) GetMessagesByIds(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return []Message{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	return collect(rows, scanMessage)
}

func (db *PgStore) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.Before != "" {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages "+
				"WHERE conversation_id = $1 AND seq < (SELECT seq FROM messages WHERE id = $2) "+
				"ORDER BY seq DESC LIMIT $3",
			q.ConversationId,
			q.Before,
			q.Limit,
		)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2",
			q.ConversationId,
			q.Limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs, err := collect(rows, scanMessage)
	if err != nil {
		return nil, err
	}

	slices.Reverse(msgs)
	return msgs, nil
}

func (db *PgStore) LatestMessage(ctx context.Context, conversationId string) (Message, error) {
	m, err := scanMessage(db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT 1",
		conversationId,
	))
	return m, notFound(err)
}

func (db *PgStore) UpdateMessageContent(ctx context.Context, id, content string) (Message, error) {
	m, err := scanMessage(db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 RETURNING "+messageColumns,
		id,
		content,
		time.Now().UTC(),
	))
	return m, notFound(err)
}

func (db *PgStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	return checkAffected(res, err)
}

func (db *PgStore) DeleteConversationMessages(ctx context.Context, conversationId string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = $1", conversationId)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

func (db *PgStore) CountMessages(ctx context.Context, conversationId string) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = $1",
		conversationId,
	).Scan(&n)
	return n, err
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return out, nil
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
