package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatline/internal/types"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	submitTimeout  = 10 * time.Second
)

type Client struct {
	id      string
	conn    *websocket.Conn
	cs      *ChatServer
	log     *log.Logger
	limiter *rate.Limiter

	// user and authenticated are written once by the read pump before the
	// client is registered.
	user          types.User
	authenticated bool

	send      chan *ServerMessage
	rooms     map[string]struct{}
	roomsLock sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		cs:      cs,
		log:     l,
		limiter: rate.NewLimiter(cs.eventRate, cs.eventBurst),
		send:    make(chan *ServerMessage, 256),
		rooms:   make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read runs the read pump until the connection closes. A non-empty token is
// the credential presented during the handshake; otherwise the first frame
// must be an authenticate event. Nothing else is processed before
// authentication succeeds.
func (c *Client) Read(token string) {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if !c.authenticate(token) {
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		if !c.limiter.Allow() {
			c.queueMessage(ErrTooManyRequests(msg.Id))
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) authenticate(token string) bool {
	deadline := time.Now().Add(c.cs.authTimeout)
	reqId := 0

	if token == "" {
		c.conn.SetReadDeadline(deadline)
		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				c.log.Printf("connection %s closed before authenticating: %v", c.id, err)
				return false
			}

			var msg ClientMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != EventAuthenticate {
				c.log.Printf("dropping %q event from unauthenticated connection %s", msg.Type, c.id)
				continue
			}
			token, reqId = msg.Token, msg.Id
			break
		}
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	if err := c.cs.Authenticate(ctx, c, token); err != nil {
		c.log.Printf("authentication failed for connection %s: %v", c.id, err)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		return false
	}

	c.queueMessage(NoErrOK(reqId, c.user))
	return true
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch msg.Type {
	case EventJoinChat:
		if msg.ChatId == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		c.cs.JoinConversationRoom(c, msg.ChatId)
		c.queueMessage(NoErrOK(msg.Id, nil))
	case EventLeaveChat:
		if msg.ChatId == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		c.cs.LeaveConversationRoom(c, msg.ChatId)
		c.queueMessage(NoErrOK(msg.Id, nil))
	case EventNewMessage:
		c.submitMessage(msg)
	case EventTyping, EventStopTyping:
		if err := c.cs.relayTyping(context.Background(), c, msg); err != nil {
			c.queueMessage(ErrorResponse(msg.Id, err))
		}
	default:
		c.log.Printf("unexpected %q event from connection %s", msg.Type, c.id)
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// submitMessage runs on the read pump so successive messages from one
// connection are persisted in the order they were sent.
func (c *Client) submitMessage(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	m, err := c.cs.fanout.SubmitMessage(ctx, Origin{UserId: c.user.Id, ConnId: c.id}, msg.ChatId, msg.Content, msg.ClientId)
	if err != nil {
		c.log.Printf("message from %q to chat %q rejected: %v", c.user.Id, msg.ChatId, err)
		c.queueMessage(ErrorResponse(msg.Id, err))
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id, m))
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send queue full for connection %s, dropping %q event", c.id, msg.Type)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.cs.DeRegisterClient(c)
	c.stopClient()
}

// addRoom reports whether chatId was not already joined.
func (c *Client) addRoom(chatId string) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if _, ok := c.rooms[chatId]; ok {
		return false
	}
	c.rooms[chatId] = struct{}{}
	return true
}

func (c *Client) delRoom(chatId string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, chatId)
}

func (c *Client) inRoom(chatId string) bool {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	_, ok := c.rooms[chatId]
	return ok
}

func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
