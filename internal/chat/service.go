// Package chat owns conversations, membership and message persistence. Every
// write path that needs a durable membership check goes through Service.
package chat

import (
	"context"
	"errors"
	"log"

	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/types"
	"github.com/teris-io/shortid"
)

// MembershipListener is told about committed membership changes so that
// connected members can be notified.
type MembershipListener interface {
	ConversationUpdated(ctx context.Context, conv types.Conversation)
	MemberAdded(ctx context.Context, conv types.Conversation, userId string)
	MemberRemoved(ctx context.Context, conv types.Conversation, userId string)
	ConversationDeleted(ctx context.Context, conversationId string, memberIds []string)
}

type nopListener struct{}

func (nopListener) ConversationUpdated(context.Context, types.Conversation) {}
func (nopListener) MemberAdded(context.Context, types.Conversation, string) {}
func (nopListener) MemberRemoved(context.Context, types.Conversation, string) {}
func (nopListener) ConversationDeleted(context.Context, string, []string) {}

type Service struct {
	log             *log.Logger
	accounts        database.AccountStore
	conversations   database.ConversationStore
	messages        database.MessageStore
	listener        MembershipListener
	generateShortId func() (string, error)
}

func NewService(logger *log.Logger, accounts database.AccountStore, conversations database.ConversationStore,
	messages database.MessageStore, listener MembershipListener) *Service {
	if listener == nil {
		listener = nopListener{}
	}

	return &Service{
		log:             logger,
		accounts:        accounts,
		conversations:   conversations,
		messages:        messages,
		listener:        listener,
		generateShortId: shortid.Generate,
	}
}

func (s *Service) loadConversation(ctx context.Context, id string) (database.Conversation, error) {
	if id == "" {
		return database.Conversation{}, ErrInvalidRequest
	}

	conv, err := s.conversations.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Conversation{}, ErrNotFound
		}
		return database.Conversation{}, storeErr("get conversation", err)
	}
	return conv, nil
}

func (s *Service) loadAccount(ctx context.Context, id string) (database.Account, error) {
	if id == "" {
		return database.Account{}, ErrInvalidRequest
	}

	a, err := s.accounts.GetAccountById(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Account{}, ErrNotFound
		}
		return database.Account{}, storeErr("get account", err)
	}
	return a, nil
}

func requireMember(conv database.Conversation, userId string) error {
	if !conv.HasMember(userId) {
		return ErrForbidden
	}
	return nil
}

func requireGroupAdmin(conv database.Conversation, userId string) error {
	if !conv.IsGroup {
		return ErrInvalidRequest
	}
	if conv.AdminId != userId {
		return ErrForbidden
	}
	return nil
}

func ToUser(a database.Account) types.User {
	return types.User{
		Id:        a.Id,
		UserName:  a.UserName,
		FullName:  a.FullName,
		Email:     a.Email,
		Avatar:    a.Avatar,
		CreatedAt: a.CreatedAt,
	}
}

// profile is the sender view attached to messages.
func profile(u types.User) types.User {
	return types.User{
		Id:       u.Id,
		UserName: u.UserName,
		FullName: u.FullName,
		Avatar:   u.Avatar,
	}
}

func toMessage(m database.Message, sender types.User) types.Message {
	return types.Message{
		Id:        m.Id,
		Sender:    profile(sender),
		ChatId:    m.ConversationId,
		Content:   m.Content,
		ClientId:  m.ClientId,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

// users loads the profiles for ids. Unknown ids map to a bare profile.
func (s *Service) users(ctx context.Context, ids []string) (map[string]types.User, error) {
	out := make(map[string]types.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	accounts, err := s.accounts.GetAccountsByIds(ctx, ids)
	if err != nil {
		return nil, storeErr("get accounts", err)
	}
	for _, a := range accounts {
		out[a.Id] = ToUser(a)
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = types.User{Id: id}
		}
	}
	return out, nil
}

// render expands stored conversations into their public form as seen by
// viewerId: member profiles, admin, latest message and, for direct
// conversations, the other member's name as the chat name. An empty viewerId
// leaves direct conversations unnamed.
func (s *Service) render(ctx context.Context, viewerId string, convs []database.Conversation) ([]types.Conversation, error) {
	var (
		userIds    []string
		seen       = make(map[string]struct{})
		messageIds []string
	)
	addUser := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			userIds = append(userIds, id)
		}
	}

	for _, c := range convs {
		for _, m := range c.Members {
			addUser(m)
		}
		addUser(c.AdminId)
		if c.LatestMessageId != "" {
			messageIds = append(messageIds, c.LatestMessageId)
		}
	}

	latest := make(map[string]database.Message, len(messageIds))
	if len(messageIds) > 0 {
		msgs, err := s.messages.GetMessagesByIds(ctx, messageIds)
		if err != nil {
			return nil, storeErr("get latest messages", err)
		}
		for _, m := range msgs {
			latest[m.Id] = m
			addUser(m.SenderId)
		}
	}

	profiles, err := s.users(ctx, userIds)
	if err != nil {
		return nil, err
	}

	out := make([]types.Conversation, 0, len(convs))
	for _, c := range convs {
		conv := types.Conversation{
			Id:          c.Id,
			ChatName:    c.Name,
			IsGroupChat: c.IsGroup,
			Users:       make([]types.User, 0, len(c.Members)),
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		}
		for _, m := range c.Members {
			conv.Users = append(conv.Users, profiles[m])
			if !c.IsGroup && viewerId != "" && m != viewerId && conv.ChatName == "" {
				conv.ChatName = displayName(profiles[m])
			}
		}
		if c.AdminId != "" {
			admin := profiles[c.AdminId]
			conv.GroupAdmin = &admin
		}
		if m, ok := latest[c.LatestMessageId]; ok {
			msg := toMessage(m, profiles[m.SenderId])
			conv.LatestMessage = &msg
		}
		out = append(out, conv)
	}

	return out, nil
}

func (s *Service) renderOne(ctx context.Context, viewerId string, conv database.Conversation) (types.Conversation, error) {
	out, err := s.render(ctx, viewerId, []database.Conversation{conv})
	if err != nil {
		return types.Conversation{}, err
	}
	return out[0], nil
}

func displayName(u types.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.UserName
}
