package sqlite

import (
	"time"

	"github.com/npezzotti/chatline/internal/database"
)

type account struct {
	ID           string `gorm:"primaryKey"`
	UserName     string `gorm:"uniqueIndex;not null"`
	FullName     string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	Avatar       string
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type conversation struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	IsGroup         bool
	AdminID         *string
	DirectKey       *string `gorm:"uniqueIndex"`
	LatestMessageID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index"`
	Members         []member `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

type member struct {
	ConversationID string `gorm:"primaryKey"`
	AccountID      string `gorm:"primaryKey;index"`
	JoinedAt       time.Time
}

func (member) TableName() string {
	return "conversation_members"
}

type message struct {
	Seq            int64  `gorm:"primaryKey;autoIncrement"`
	ID             string `gorm:"uniqueIndex;not null"`
	ConversationID string `gorm:"index;not null;uniqueIndex:idx_messages_client_id,priority:2"`
	SenderID       string `gorm:"not null;uniqueIndex:idx_messages_client_id,priority:1"`
	Content        string `gorm:"not null"`
	ClientID       *string `gorm:"uniqueIndex:idx_messages_client_id,priority:3"`
	CreatedAt      time.Time
	EditedAt       *time.Time
}

func (a account) toModel() database.Account {
	return database.Account{
		Id:           a.ID,
		UserName:     a.UserName,
		FullName:     a.FullName,
		Email:        a.Email,
		Avatar:       a.Avatar,
		PasswordHash: a.PasswordHash,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func (c conversation) toModel() database.Conversation {
	conv := database.Conversation{
		Id:        c.ID,
		Name:      c.Name,
		IsGroup:   c.IsGroup,
		AdminId:   deref(c.AdminID),
		Members:   make([]string, 0, len(c.Members)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	conv.LatestMessageId = deref(c.LatestMessageID)
	for _, m := range c.Members {
		conv.Members = append(conv.Members, m.AccountID)
	}
	return conv
}

func (m message) toModel() database.Message {
	return database.Message{
		Id:             m.ID,
		ConversationId: m.ConversationID,
		SenderId:       m.SenderID,
		Content:        m.Content,
		ClientId:       deref(m.ClientID),
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
