package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/types"
)

// minGroupInvitees is the number of distinct users, besides the creator, a
// group needs.
const minGroupInvitees = 2

// AccessChat returns the direct conversation between callerId and otherId,
// creating it on first access.
func (s *Service) AccessChat(ctx context.Context, callerId, otherId string) (types.Conversation, error) {
	if otherId == "" || otherId == callerId {
		return types.Conversation{}, ErrInvalidRequest
	}

	if _, err := s.loadAccount(ctx, otherId); err != nil {
		return types.Conversation{}, err
	}

	conv, err := s.conversations.GetDirectConversation(ctx, callerId, otherId)
	if err == nil {
		return s.renderOne(ctx, callerId, conv)
	}
	if !errors.Is(err, database.ErrNotFound) {
		return types.Conversation{}, storeErr("get direct conversation", err)
	}

	id, err := s.generateShortId()
	if err != nil {
		return types.Conversation{}, storeErr("generate id", err)
	}

	conv, err = s.conversations.CreateConversation(ctx, database.CreateConversationParams{
		Id:      id,
		Members: []string{callerId, otherId},
	})
	if errors.Is(err, database.ErrConflict) {
		// created concurrently by the other member
		conv, err = s.conversations.GetDirectConversation(ctx, callerId, otherId)
		if err != nil {
			return types.Conversation{}, storeErr("get direct conversation", err)
		}
		return s.renderOne(ctx, callerId, conv)
	}
	if err != nil {
		return types.Conversation{}, storeErr("create conversation", err)
	}

	s.log.Printf("created direct conversation %q", conv.Id)

	out, err := s.renderOne(ctx, callerId, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	s.notifyUpdated(ctx, conv)
	return out, nil
}

// FetchChats lists userId's conversations, most recently active first.
func (s *Service) FetchChats(ctx context.Context, userId string) ([]types.Conversation, error) {
	convs, err := s.conversations.ListConversations(ctx, userId)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}

	return s.render(ctx, userId, convs)
}

// GetChat returns chatId as seen by callerId, who must be a member.
func (s *Service) GetChat(ctx context.Context, callerId, chatId string) (types.Conversation, error) {
	conv, err := s.loadConversation(ctx, chatId)
	if err != nil {
		return types.Conversation{}, err
	}
	if err := requireMember(conv, callerId); err != nil {
		return types.Conversation{}, err
	}

	return s.renderOne(ctx, callerId, conv)
}

func (s *Service) CreateGroup(ctx context.Context, callerId, name string, userIds []string) (types.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Conversation{}, ErrInvalidRequest
	}

	var (
		invitees []string
		seen     = map[string]struct{}{callerId: {}}
	)
	for _, id := range userIds {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		invitees = append(invitees, id)
	}
	if len(invitees) < minGroupInvitees {
		return types.Conversation{}, ErrInvalidRequest
	}

	accounts, err := s.accounts.GetAccountsByIds(ctx, invitees)
	if err != nil {
		return types.Conversation{}, storeErr("get accounts", err)
	}
	if len(accounts) != len(invitees) {
		return types.Conversation{}, ErrNotFound
	}

	id, err := s.generateShortId()
	if err != nil {
		return types.Conversation{}, storeErr("generate id", err)
	}

	conv, err := s.conversations.CreateConversation(ctx, database.CreateConversationParams{
		Id:      id,
		Name:    name,
		IsGroup: true,
		AdminId: callerId,
		Members: append([]string{callerId}, invitees...),
	})
	if err != nil {
		return types.Conversation{}, storeErr("create conversation", err)
	}

	s.log.Printf("created group %q with %d members", conv.Id, len(conv.Members))

	out, err := s.renderOne(ctx, callerId, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	s.notifyUpdated(ctx, conv)
	return out, nil
}

func (s *Service) RenameGroup(ctx context.Context, callerId, chatId, name string) (types.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Conversation{}, ErrInvalidRequest
	}

	conv, err := s.loadConversation(ctx, chatId)
	if err != nil {
		return types.Conversation{}, err
	}
	if err := requireGroupAdmin(conv, callerId); err != nil {
		return types.Conversation{}, err
	}

	conv, err = s.conversations.RenameConversation(ctx, chatId, name)
	if err != nil {
		return types.Conversation{}, s.mutationErr("rename conversation", err)
	}

	out, err := s.renderOne(ctx, callerId, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	s.notifyUpdated(ctx, conv)
	return out, nil
}

// AddMember adds userId to a group. Adding an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, callerId, chatId, userId string) (types.Conversation, error) {
	conv, err := s.loadConversation(ctx, chatId)
	if err != nil {
		return types.Conversation{}, err
	}
	if err := requireGroupAdmin(conv, callerId); err != nil {
		return types.Conversation{}, err
	}
	if _, err := s.loadAccount(ctx, userId); err != nil {
		return types.Conversation{}, err
	}

	if conv.HasMember(userId) {
		return s.renderOne(ctx, callerId, conv)
	}

	conv, err = s.conversations.AddMember(ctx, chatId, userId)
	if err != nil {
		return types.Conversation{}, s.mutationErr("add member", err)
	}

	out, err := s.renderOne(ctx, callerId, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	if bcast, err := s.renderOne(ctx, "", conv); err != nil {
		s.log.Printf("render conversation %q for notification: %v", conv.Id, err)
	} else {
		s.listener.MemberAdded(ctx, bcast, userId)
	}
	return out, nil
}

// RemoveMember removes userId from a group. The admin may remove anyone but
// themselves; any other member may only remove themselves.
func (s *Service) RemoveMember(ctx context.Context, callerId, chatId, userId string) (types.Conversation, error) {
	conv, err := s.loadConversation(ctx, chatId)
	if err != nil {
		return types.Conversation{}, err
	}
	if !conv.IsGroup {
		return types.Conversation{}, ErrInvalidRequest
	}
	if userId == "" {
		return types.Conversation{}, ErrInvalidRequest
	}
	if callerId != userId {
		if err := requireGroupAdmin(conv, callerId); err != nil {
			return types.Conversation{}, err
		}
	} else if err := requireMember(conv, callerId); err != nil {
		return types.Conversation{}, err
	}
	if userId == conv.AdminId {
		return types.Conversation{}, ErrConflict
	}
	if !conv.HasMember(userId) {
		return types.Conversation{}, ErrNotFound
	}

	conv, err = s.conversations.RemoveMember(ctx, chatId, userId)
	if err != nil {
		return types.Conversation{}, s.mutationErr("remove member", err)
	}

	out, err := s.renderOne(ctx, callerId, conv)
	if err != nil {
		return types.Conversation{}, err
	}

	if bcast, err := s.renderOne(ctx, "", conv); err != nil {
		s.log.Printf("render conversation %q for notification: %v", conv.Id, err)
	} else {
		s.listener.MemberRemoved(ctx, bcast, userId)
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages. Groups may only
// be deleted by their admin, direct conversations by either member.
func (s *Service) DeleteConversation(ctx context.Context, callerId, chatId string) error {
	conv, err := s.loadConversation(ctx, chatId)
	if err != nil {
		return err
	}
	if conv.IsGroup {
		if conv.AdminId != callerId {
			return ErrForbidden
		}
	} else if err := requireMember(conv, callerId); err != nil {
		return err
	}

	if err := s.conversations.DeleteConversation(ctx, chatId); err != nil {
		return s.mutationErr("delete conversation", err)
	}

	n, err := s.messages.DeleteConversationMessages(ctx, chatId)
	if err != nil {
		s.log.Printf("delete messages for conversation %q: %v", chatId, err)
	} else {
		s.log.Printf("deleted conversation %q and %d messages", chatId, n)
	}

	s.listener.ConversationDeleted(ctx, chatId, conv.Members)
	return nil
}

func (s *Service) notifyUpdated(ctx context.Context, conv database.Conversation) {
	out, err := s.renderOne(ctx, "", conv)
	if err != nil {
		s.log.Printf("render conversation %q for notification: %v", conv.Id, err)
		return
	}
	s.listener.ConversationUpdated(ctx, out)
}

func (s *Service) mutationErr(op string, err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	return storeErr(op, err)
}
