package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/types"
)

const (
	MaxContentLength    = 4096
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Posted is the outcome of a message write: the message as members see it
// and the members it must be delivered to.
type Posted struct {
	Message    types.Message
	Recipients []string
	// Duplicate is set when a retried submission matched an earlier
	// message by client id. Nothing was written.
	Duplicate bool
}

func validateContent(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || len(trimmed) > MaxContentLength {
		return ErrInvalidContent
	}
	if !utf8.ValidString(content) {
		return ErrInvalidContent
	}
	return nil
}

// PostMessage persists a message from senderId into chatId after checking
// the sender's membership against the store, then moves the conversation's
// latest message pointer. Nothing is written when a check fails.
func (s *Service) PostMessage(ctx context.Context, senderId, chatId, content, clientId string) (Posted, error) {
	if err := validateContent(content); err != nil {
		return Posted{}, err
	}

	conv, err := s.loadConversation(ctx, chatId)
	if err != nil {
		return Posted{}, err
	}
	if err := requireMember(conv, senderId); err != nil {
		return Posted{}, err
	}

	sender, err := s.loadAccount(ctx, senderId)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Posted{}, ErrForbidden
		}
		return Posted{}, err
	}
	senderProfile := ToUser(sender)

	if clientId != "" {
		prev, err := s.messages.GetMessageByClientId(ctx, senderId, chatId, clientId)
		if err == nil {
			return Posted{Message: toMessage(prev, senderProfile), Recipients: conv.Members, Duplicate: true}, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return Posted{}, storeErr("get message by client id", err)
		}
	}

	msg, err := s.messages.CreateMessage(ctx, database.CreateMessageParams{
		ConversationId: chatId,
		SenderId:       senderId,
		Content:        content,
		ClientId:       clientId,
	})
	if errors.Is(err, database.ErrConflict) && clientId != "" {
		prev, err := s.messages.GetMessageByClientId(ctx, senderId, chatId, clientId)
		if err != nil {
			return Posted{}, storeErr("get message by client id", err)
		}
		return Posted{Message: toMessage(prev, senderProfile), Recipients: conv.Members, Duplicate: true}, nil
	}
	if err != nil {
		return Posted{}, storeErr("create message", err)
	}

	if err := s.conversations.SetLatestMessage(ctx, chatId, msg.Id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// deleted after the membership check; its messages are already gone
			if err := s.messages.DeleteMessage(ctx, msg.Id); err != nil {
				s.log.Printf("remove message %q posted to deleted conversation %q: %v", msg.Id, chatId, err)
			}
			return Posted{}, ErrNotFound
		}
		s.log.Printf("set latest message for conversation %q: %v", chatId, err)
	}

	return Posted{Message: toMessage(msg, senderProfile), Recipients: conv.Members}, nil
}

// loadOwnMessage loads messageId and checks that senderId wrote it and is
// still a member of its conversation.
func (s *Service) loadOwnMessage(ctx context.Context, senderId, messageId string) (database.Message, database.Conversation, error) {
	if messageId == "" {
		return database.Message{}, database.Conversation{}, ErrInvalidRequest
	}

	msg, err := s.messages.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Message{}, database.Conversation{}, ErrNotFound
		}
		return database.Message{}, database.Conversation{}, storeErr("get message", err)
	}
	if msg.SenderId != senderId {
		return database.Message{}, database.Conversation{}, ErrForbidden
	}

	conv, err := s.loadConversation(ctx, msg.ConversationId)
	if err != nil {
		return database.Message{}, database.Conversation{}, err
	}
	if err := requireMember(conv, senderId); err != nil {
		return database.Message{}, database.Conversation{}, err
	}

	return msg, conv, nil
}

func (s *Service) EditMessage(ctx context.Context, senderId, messageId, content string) (Posted, error) {
	if err := validateContent(content); err != nil {
		return Posted{}, err
	}

	_, conv, err := s.loadOwnMessage(ctx, senderId, messageId)
	if err != nil {
		return Posted{}, err
	}

	sender, err := s.loadAccount(ctx, senderId)
	if err != nil {
		return Posted{}, err
	}

	updated, err := s.messages.UpdateMessageContent(ctx, messageId, content)
	if err != nil {
		return Posted{}, s.mutationErr("update message", err)
	}

	return Posted{Message: toMessage(updated, ToUser(sender)), Recipients: conv.Members}, nil
}

// DeleteMessage removes a message. If it was the conversation's latest
// message the pointer moves to the newest remaining one.
func (s *Service) DeleteMessage(ctx context.Context, senderId, messageId string) (Posted, error) {
	msg, conv, err := s.loadOwnMessage(ctx, senderId, messageId)
	if err != nil {
		return Posted{}, err
	}

	if err := s.messages.DeleteMessage(ctx, messageId); err != nil {
		return Posted{}, s.mutationErr("delete message", err)
	}

	if conv.LatestMessageId == messageId {
		next := ""
		latest, err := s.messages.LatestMessage(ctx, conv.Id)
		switch {
		case err == nil:
			next = latest.Id
		case !errors.Is(err, database.ErrNotFound):
			s.log.Printf("find latest message for conversation %q: %v", conv.Id, err)
		}
		if err := s.conversations.SetLatestMessage(ctx, conv.Id, next); err != nil {
			s.log.Printf("set latest message for conversation %q: %v", conv.Id, err)
		}
	}

	return Posted{
		Message: types.Message{
			Id:        msg.Id,
			Sender:    types.User{Id: msg.SenderId},
			ChatId:    msg.ConversationId,
			CreatedAt: msg.CreatedAt,
		},
		Recipients: conv.Members,
	}, nil
}

// History returns up to limit messages of chatId older than before, oldest
// first. The caller must be a member.
func (s *Service) History(ctx context.Context, callerId, chatId, before string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	conv, err := s.loadConversation(ctx, chatId)
	if err != nil {
		return nil, err
	}
	if err := requireMember(conv, callerId); err != nil {
		return nil, err
	}

	msgs, err := s.messages.ListMessages(ctx, database.MessageQuery{
		ConversationId: chatId,
		Before:         before,
		Limit:          limit,
	})
	if err != nil {
		return nil, storeErr("list messages", err)
	}

	var senderIds []string
	seen := make(map[string]struct{})
	for _, m := range msgs {
		if _, ok := seen[m.SenderId]; !ok {
			seen[m.SenderId] = struct{}{}
			senderIds = append(senderIds, m.SenderId)
		}
	}

	profiles, err := s.users(ctx, senderIds)
	if err != nil {
		return nil, err
	}

	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m, profiles[m.SenderId]))
	}
	return out, nil
}
