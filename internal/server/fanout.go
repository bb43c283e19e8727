package server

import (
	"context"
	"log"

	"github.com/npezzotti/chatline/internal/bus"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/stats"
	"github.com/npezzotti/chatline/internal/types"
)

// Origin identifies where a write came from. ConnId is empty for writes made
// over HTTP.
type Origin struct {
	UserId string
	ConnId string
}

// FanOut is the only path by which message writes reach live connections.
// The write is persisted first; delivery goes to the personal room of every
// member read back from the store, never to conversation rooms.
type FanOut struct {
	log          *log.Logger
	chats        *chat.Service
	bus          bus.Bus
	stats        stats.StatsProvider
	echoToSender bool
}

// NewFanOut returns a fan-out engine. With echoToSender the sender's other
// connections also receive the message; the originating connection never
// does, it gets the acknowledgement instead.
func NewFanOut(logger *log.Logger, chats *chat.Service, b bus.Bus, su stats.StatsProvider, echoToSender bool) *FanOut {
	su.RegisterMetric(stats.NumMessagesSubmitted)

	return &FanOut{
		log:          logger,
		chats:        chats,
		bus:          b,
		stats:        su,
		echoToSender: echoToSender,
	}
}

func (f *FanOut) SubmitMessage(ctx context.Context, origin Origin, chatId, content, clientId string) (types.Message, error) {
	posted, err := f.chats.PostMessage(ctx, origin.UserId, chatId, content, clientId)
	if err != nil {
		return types.Message{}, err
	}

	if posted.Duplicate {
		f.log.Printf("duplicate submission %q from %q to chat %q, returning message %q",
			clientId, origin.UserId, chatId, posted.Message.Id)
		return posted.Message, nil
	}

	f.stats.Incr(stats.NumMessagesSubmitted)
	f.broadcast(ctx, EventMessageReceived, origin, posted)

	return posted.Message, nil
}

func (f *FanOut) EditMessage(ctx context.Context, origin Origin, messageId, content string) (types.Message, error) {
	posted, err := f.chats.EditMessage(ctx, origin.UserId, messageId, content)
	if err != nil {
		return types.Message{}, err
	}

	f.broadcast(ctx, EventMessageUpdated, origin, posted)
	return posted.Message, nil
}

func (f *FanOut) DeleteMessage(ctx context.Context, origin Origin, messageId string) (types.Message, error) {
	posted, err := f.chats.DeleteMessage(ctx, origin.UserId, messageId)
	if err != nil {
		return types.Message{}, err
	}

	f.broadcast(ctx, EventMessageDeleted, origin, posted)
	return posted.Message, nil
}

func (f *FanOut) broadcast(ctx context.Context, event string, origin Origin, posted chat.Posted) {
	d := &bus.Delivery{UserIds: posted.Recipients}
	if f.echoToSender {
		d.SkipConnId = origin.ConnId
	} else {
		d.SkipUserId = origin.UserId
	}

	msg := posted.Message
	publish(ctx, f.bus, f.log, d, &ServerMessage{
		Type:      event,
		Timestamp: Now(),
		Message:   &msg,
		ChatId:    msg.ChatId,
	})
}
