// Package sqlite implements the chat stores on SQLite through GORM. It backs
// single node deployments and the test suites.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/chatline/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

var _ database.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	// every connection to ":memory:" is a separate database, and SQLite
	// serialises writers anyway
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&account{}, &conversation{}, &member{}, &message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return database.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return database.ErrConflict
	}
	return err
}

func (s *Store) CreateAccount(ctx context.Context, params database.CreateAccountParams) (database.Account, error) {
	a := account{
		ID:           uuid.NewString(),
		UserName:     params.UserName,
		FullName:     params.FullName,
		Email:        params.Email,
		Avatar:       params.Avatar,
		PasswordHash: params.PasswordHash,
	}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		return database.Account{}, translate(err)
	}
	return a.toModel(), nil
}

func (s *Store) GetAccountById(ctx context.Context, id string) (database.Account, error) {
	var a account
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return database.Account{}, translate(err)
	}
	return a.toModel(), nil
}

func (s *Store) GetAccountByLogin(ctx context.Context, login string) (database.Account, error) {
	var a account
	if err := s.db.WithContext(ctx).Where("email = ? OR user_name = ?", login, login).First(&a).Error; err != nil {
		return database.Account{}, translate(err)
	}
	return a.toModel(), nil
}

func (s *Store) GetAccountsByIds(ctx context.Context, ids []string) ([]database.Account, error) {
	out := []database.Account{}
	if len(ids) == 0 {
		return out, nil
	}

	var rows []account
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, a := range rows {
		out = append(out, a.toModel())
	}
	return out, nil
}

func (s *Store) SearchAccounts(ctx context.Context, query, excludeId string, limit int) ([]database.Account, error) {
	pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(query) + "%"

	var rows []account
	err := s.db.WithContext(ctx).
		Where("id <> ?", excludeId).
		Where(`(user_name LIKE ? ESCAPE '\' OR full_name LIKE ? ESCAPE '\' OR email LIKE ? ESCAPE '\')`, pattern, pattern, pattern).
		Order("user_name").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]database.Account, 0, len(rows))
	for _, a := range rows {
		out = append(out, a.toModel())
	}
	return out, nil
}

func (s *Store) CreateConversation(ctx context.Context, params database.CreateConversationParams) (database.Conversation, error) {
	now := time.Now().UTC()
	c := conversation{
		ID:        params.Id,
		Name:      params.Name,
		IsGroup:   params.IsGroup,
		AdminID:   ptr(params.AdminId),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !params.IsGroup && len(params.Members) == 2 {
		c.DirectKey = ptr(database.DirectKey(params.Members[0], params.Members[1]))
	}
	for i, id := range params.Members {
		c.Members = append(c.Members, member{
			AccountID: id,
			JoinedAt:  now.Add(time.Duration(i) * time.Microsecond),
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&c).Error
	})
	if err != nil {
		return database.Conversation{}, translate(err)
	}

	return c.toModel(), nil
}

func (s *Store) withMembers(tx *gorm.DB) *gorm.DB {
	return tx.Preload("Members", func(db *gorm.DB) *gorm.DB {
		return db.Order("joined_at, account_id")
	})
}

func (s *Store) GetConversation(ctx context.Context, id string) (database.Conversation, error) {
	var c conversation
	if err := s.withMembers(s.db.WithContext(ctx)).First(&c, "id = ?", id).Error; err != nil {
		return database.Conversation{}, translate(err)
	}
	return c.toModel(), nil
}

func (s *Store) GetDirectConversation(ctx context.Context, userA, userB string) (database.Conversation, error) {
	var c conversation
	err := s.withMembers(s.db.WithContext(ctx)).
		First(&c, "direct_key = ?", database.DirectKey(userA, userB)).Error
	if err != nil {
		return database.Conversation{}, translate(err)
	}
	return c.toModel(), nil
}

func (s *Store) ListConversations(ctx context.Context, userId string) ([]database.Conversation, error) {
	db := s.db.WithContext(ctx)

	var rows []conversation
	err := s.withMembers(db).
		Where("id IN (?)", db.Model(&member{}).Select("conversation_id").Where("account_id = ?", userId)).
		Order("updated_at DESC, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]database.Conversation, 0, len(rows))
	for _, c := range rows {
		out = append(out, c.toModel())
	}
	return out, nil
}

func (s *Store) touch(tx *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := tx.Model(&conversation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *Store) RenameConversation(ctx context.Context, id, name string) (database.Conversation, error) {
	if err := s.touch(s.db.WithContext(ctx), id, map[string]any{"name": name}); err != nil {
		return database.Conversation{}, err
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) AddMember(ctx context.Context, id, userId string) (database.Conversation, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.touch(tx, id, map[string]any{}); err != nil {
			return err
		}

		var n int64
		if err := tx.Model(&member{}).Where("conversation_id = ? AND account_id = ?", id, userId).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		return tx.Create(&member{ConversationID: id, AccountID: userId, JoinedAt: time.Now().UTC()}).Error
	})
	if err != nil {
		return database.Conversation{}, translate(err)
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) RemoveMember(ctx context.Context, id, userId string) (database.Conversation, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("conversation_id = ? AND account_id = ?", id, userId).Delete(&member{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return database.ErrNotFound
		}
		return s.touch(tx, id, map[string]any{})
	})
	if err != nil {
		return database.Conversation{}, translate(err)
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) SetLatestMessage(ctx context.Context, id, messageId string) error {
	return s.touch(s.db.WithContext(ctx), id, map[string]any{"latest_message_id": ptr(messageId)})
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&member{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return database.ErrNotFound
		}
		return nil
	})
}

func (s *Store) CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error) {
	m := message{
		ID:             uuid.NewString(),
		ConversationID: params.ConversationId,
		SenderID:       params.SenderId,
		Content:        params.Content,
		ClientID:       ptr(params.ClientId),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return database.Message{}, translate(err)
	}
	return m.toModel(), nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (database.Message, error) {
	var m message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return database.Message{}, translate(err)
	}
	return m.toModel(), nil
}

func (s *Store) GetMessageByClientId(ctx context.Context, senderId, conversationId, clientId string) (database.Message, error) {
	var m message
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND conversation_id = ? AND client_id = ?", senderId, conversationId, clientId).
		First(&m).Error
	if err != nil {
		return database.Message{}, translate(err)
	}
	return m.toModel(), nil
}

func (s *Store) GetMessagesByIds(ctx context.Context, ids []string) ([]database.Message, error) {
	out := []database.Message{}
	if len(ids) == 0 {
		return out, nil
	}

	var rows []message
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, m := range rows {
		out = append(out, m.toModel())
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, q database.MessageQuery) ([]database.Message, error) {
	db := s.db.WithContext(ctx)
	tx := db.Where("conversation_id = ?", q.ConversationId)
	if q.Before != "" {
		tx = tx.Where("seq < (?)", db.Model(&message{}).Select("seq").Where("id = ?", q.Before))
	}

	var rows []message
	if err := tx.Order("seq DESC").Limit(q.Limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	slices.Reverse(rows)

	out := make([]database.Message, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toModel())
	}
	return out, nil
}

func (s *Store) LatestMessage(ctx context.Context, conversationId string) (database.Message, error) {
	var m message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationId).
		Order("seq DESC").
		First(&m).Error
	if err != nil {
		return database.Message{}, translate(err)
	}
	return m.toModel(), nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) (database.Message, error) {
	res := s.db.WithContext(ctx).Model(&message{}).Where("id = ?", id).Updates(map[string]any{
		"content":   content,
		"edited_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return database.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return database.Message{}, database.ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConversationMessages(ctx context.Context, conversationId string) (int64, error) {
	res := s.db.WithContext(ctx).Where("conversation_id = ?", conversationId).Delete(&message{})
	return res.RowsAffected, res.Error
}

func (s *Store) CountMessages(ctx context.Context, conversationId string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&message{}).Where("conversation_id = ?", conversationId).Count(&n).Error
	return n, err
}
