package database

import "context"

type AccountStore interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountById(ctx context.Context, id string) (Account, error)
	// GetAccountByLogin matches either the email address or the user name.
	GetAccountByLogin(ctx context.Context, login string) (Account, error)
	GetAccountsByIds(ctx context.Context, ids []string) ([]Account, error)
	SearchAccounts(ctx context.Context, query, excludeId string, limit int) ([]Account, error)
}

// ConversationStore is the durable source of truth for membership.
type ConversationStore interface {
	// CreateConversation returns ErrConflict when a direct conversation for
	// the same pair already exists.
	CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	GetDirectConversation(ctx context.Context, userA, userB string) (Conversation, error)
	// ListConversations returns the conversations userId belongs to, most
	// recently updated first.
	ListConversations(ctx context.Context, userId string) ([]Conversation, error)
	RenameConversation(ctx context.Context, id, name string) (Conversation, error)
	AddMember(ctx context.Context, id, userId string) (Conversation, error)
	RemoveMember(ctx context.Context, id, userId string) (Conversation, error)
	// SetLatestMessage points the conversation at messageId and bumps its
	// updated time.
	SetLatestMessage(ctx context.Context, id, messageId string) error
	DeleteConversation(ctx context.Context, id string) error
}

type MessageStore interface {
	// CreateMessage returns ErrConflict when the sender already used the
	// same client id in the conversation.
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetMessageByClientId(ctx context.Context, senderId, conversationId, clientId string) (Message, error)
	GetMessagesByIds(ctx context.Context, ids []string) ([]Message, error)
	// ListMessages returns up to q.Limit messages older than q.Before in
	// ascending creation order.
	ListMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	LatestMessage(ctx context.Context, conversationId string) (Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	DeleteConversationMessages(ctx context.Context, conversationId string) (int64, error)
	CountMessages(ctx context.Context, conversationId string) (int64, error)
}

// Store bundles the three stores behind one connection.
type Store interface {
	AccountStore
	ConversationStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}
