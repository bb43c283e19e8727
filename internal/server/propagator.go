package server

import (
	"context"
	"log"

	"github.com/npezzotti/chatline/internal/bus"
	"github.com/npezzotti/chatline/internal/types"
)

// Propagator pushes committed membership changes to the affected users'
// personal rooms and evicts removed users from the conversation room.
// Authorization never depends on it: every write re-reads membership.
type Propagator struct {
	log *log.Logger
	bus bus.Bus
}

func NewPropagator(logger *log.Logger, b bus.Bus) *Propagator {
	return &Propagator{log: logger, bus: b}
}

func (p *Propagator) ConversationUpdated(ctx context.Context, conv types.Conversation) {
	publish(ctx, p.bus, p.log, &bus.Delivery{UserIds: conv.MemberIds()}, &ServerMessage{
		Type:      EventChatUpdated,
		Timestamp: Now(),
		Chat:      &conv,
		ChatId:    conv.Id,
	})
}

func (p *Propagator) MemberAdded(ctx context.Context, conv types.Conversation, userId string) {
	p.log.Printf("user %q added to chat %q", userId, conv.Id)
	p.ConversationUpdated(ctx, conv)
}

func (p *Propagator) MemberRemoved(ctx context.Context, conv types.Conversation, userId string) {
	p.log.Printf("user %q removed from chat %q", userId, conv.Id)

	publish(ctx, p.bus, p.log, &bus.Delivery{
		UserIds: []string{userId},
		Leave:   conv.Id,
	}, &ServerMessage{
		Type:      EventRemovedFromChat,
		Timestamp: Now(),
		ChatId:    conv.Id,
		UserId:    userId,
	})

	p.ConversationUpdated(ctx, conv)
}

func (p *Propagator) ConversationDeleted(ctx context.Context, chatId string, memberIds []string) {
	publish(ctx, p.bus, p.log, &bus.Delivery{
		UserIds: memberIds,
		Leave:   chatId,
	}, &ServerMessage{
		Type:      EventChatDeleted,
		Timestamp: Now(),
		ChatId:    chatId,
	})
}
