// Package bus carries deliveries between chat server instances. A delivery
// names its audience by user or by conversation room; each instance hands it
// to the connections it holds.
package bus

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("bus closed")

type Delivery struct {
	// UserIds targets the personal rooms of these users.
	UserIds []string `json:"userIds,omitempty"`
	// Room targets the connections that joined a conversation room.
	Room string `json:"room,omitempty"`
	// SkipUserId suppresses delivery to every connection of this user.
	SkipUserId string `json:"skipUserId,omitempty"`
	// SkipConnId suppresses delivery to a single connection.
	SkipConnId string `json:"skipConnId,omitempty"`
	// Leave evicts the targeted users' connections from this conversation
	// room after the event is queued.
	Leave string          `json:"leave,omitempty"`
	Event json.RawMessage `json:"event"`
}

type Handler func(d *Delivery)

type Subscription interface {
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, d *Delivery) error
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
	Close() error
}
