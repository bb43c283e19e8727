package database

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

type Account struct {
	Id           string
	UserName     string
	FullName     string
	Email        string
	Avatar       string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id              string
	Name            string
	IsGroup         bool
	AdminId         string
	Members         []string
	LatestMessageId string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (c Conversation) HasMember(userId string) bool {
	return slices.Contains(c.Members, userId)
}

type Message struct {
	Id             string
	ConversationId string
	SenderId       string
	Content        string
	ClientId       string
	CreatedAt      time.Time
	EditedAt       *time.Time
}

type CreateAccountParams struct {
	UserName     string
	FullName     string
	Email        string
	Avatar       string
	PasswordHash string
}

type CreateConversationParams struct {
	Id      string
	Name    string
	IsGroup bool
	AdminId string
	Members []string
}

type CreateMessageParams struct {
	ConversationId string
	SenderId       string
	Content        string
	ClientId       string
}

type MessageQuery struct {
	ConversationId string
	Before         string
	Limit          int
}

// DirectKey returns the order independent key identifying the direct
// conversation between two users.
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	slices.Sort(pair)
	return strings.Join(pair, ":")
}
