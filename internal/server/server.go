package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/bus"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/stats"
	"golang.org/x/time/rate"
)

const (
	defaultAuthTimeout = 10 * time.Second
	broadcastQueueSize = 1024
)

type stopReq struct {
	done chan struct{}
}

type outbound struct {
	delivery *bus.Delivery
	msg      *ServerMessage
}

// ChatServer is the connection registry. It binds authenticated connections
// to their user's personal room, tracks the conversation rooms each
// connection has joined and delivers bus traffic to local connections.
type ChatServer struct {
	log      *log.Logger
	stats    stats.StatsProvider
	bus      bus.Bus
	sub      bus.Subscription
	verifier auth.Verifier
	accounts database.AccountStore
	fanout   *FanOut

	// clients and userMap are guarded by clientsLock. userMap is the personal
	// room of each user.
	clients     map[*Client]struct{}
	userMap     map[string]map[*Client]struct{}
	clientsLock sync.RWMutex

	roomMap   map[string]map[*Client]struct{}
	roomsLock sync.RWMutex

	// conns holds every connection started with Serve, authenticated or not.
	// conns and closing are guarded by connsLock; pumps counts running pumps.
	conns     map[*Client]struct{}
	closing   bool
	connsLock sync.Mutex
	pumps     sync.WaitGroup

	broadcastChan chan *outbound
	stop          chan stopReq

	authTimeout time.Duration
	eventRate   rate.Limit
	eventBurst  int
}

type Option func(*ChatServer)

func WithAuthTimeout(d time.Duration) Option {
	return func(cs *ChatServer) {
		cs.authTimeout = d
	}
}

// WithEventRate limits how many events per second each connection may send.
func WithEventRate(perSec float64, burst int) Option {
	return func(cs *ChatServer) {
		cs.eventRate = rate.Limit(perSec)
		cs.eventBurst = burst
	}
}

// NewChatServer subscribes to b and returns a registry ready to Run.
func NewChatServer(ctx context.Context, logger *log.Logger, b bus.Bus, verifier auth.Verifier,
	accounts database.AccountStore, fanout *FanOut, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	cs := &ChatServer{
		log:           logger,
		stats:         su,
		bus:           b,
		verifier:      verifier,
		accounts:      accounts,
		fanout:        fanout,
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		roomMap:       make(map[string]map[*Client]struct{}),
		conns:         make(map[*Client]struct{}),
		broadcastChan: make(chan *outbound, broadcastQueueSize),
		stop:          make(chan stopReq),
		authTimeout:   defaultAuthTimeout,
		eventRate:     rate.Inf,
	}
	for _, opt := range opts {
		opt(cs)
	}

	cs.stats.RegisterMetric(stats.NumActiveClients)
	cs.stats.RegisterMetric(stats.NumDeliveries)
	cs.stats.RegisterMetric(stats.NumDroppedDeliveries)

	sub, err := b.Subscribe(ctx, cs.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe to bus: %w", err)
	}
	cs.sub = sub

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case out := <-cs.broadcastChan:
			cs.handleBroadcast(out)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			if err := cs.sub.Close(); err != nil {
				cs.log.Printf("closing bus subscription: %v", err)
			}

			cs.connsLock.Lock()
			cs.closing = true
			for c := range cs.conns {
				c.stopClient()
			}
			cs.connsLock.Unlock()

			cs.clientsLock.RLock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.RUnlock()

			close(req.done)
			return
		}
	}
}

// Shutdown stops every connection and waits until their pumps have
// returned, so nothing touches the registry's dependencies afterwards.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := make(chan struct{})
	go func() {
		cs.pumps.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the pumps of c. token is the credential presented during the
// handshake, if any. A connection arriving after shutdown has begun is
// closed straight away.
func (cs *ChatServer) Serve(c *Client, token string) {
	cs.connsLock.Lock()
	if cs.closing {
		cs.connsLock.Unlock()
		c.conn.Close()
		return
	}
	cs.conns[c] = struct{}{}
	cs.pumps.Add(2)
	cs.connsLock.Unlock()

	go func() {
		defer cs.pumps.Done()
		c.Write()
	}()
	go func() {
		defer cs.pumps.Done()
		c.Read(token)

		cs.connsLock.Lock()
		delete(cs.conns, c)
		cs.connsLock.Unlock()
	}()
}

// receive is the bus handler. It must not block the bus, so a full queue
// drops the delivery.
func (cs *ChatServer) receive(d *bus.Delivery) {
	var msg ServerMessage
	if err := json.Unmarshal(d.Event, &msg); err != nil {
		cs.log.Printf("discarding delivery with malformed event: %v", err)
		return
	}

	select {
	case cs.broadcastChan <- &outbound{delivery: d, msg: &msg}:
	default:
		cs.log.Printf("broadcast queue full, dropping %q event", msg.Type)
		cs.stats.Incr(stats.NumDroppedDeliveries)
	}
}

func (cs *ChatServer) handleBroadcast(out *outbound) {
	d := out.delivery
	targets := make(map[*Client]struct{})

	cs.clientsLock.RLock()
	for _, userId := range d.UserIds {
		for c := range cs.userMap[userId] {
			targets[c] = struct{}{}
		}
	}
	cs.clientsLock.RUnlock()

	if d.Room != "" {
		cs.roomsLock.RLock()
		for c := range cs.roomMap[d.Room] {
			targets[c] = struct{}{}
		}
		cs.roomsLock.RUnlock()
	}

	for c := range targets {
		if c.user.Id == d.SkipUserId || c.id == d.SkipConnId {
			continue
		}
		if c.queueMessage(out.msg) {
			cs.stats.Incr(stats.NumDeliveries)
		} else {
			cs.stats.Incr(stats.NumDroppedDeliveries)
		}
	}

	if d.Leave != "" {
		cs.evict(d.Leave, d.UserIds)
	}
}

// evict removes every connection of userIds from a conversation room.
func (cs *ChatServer) evict(chatId string, userIds []string) {
	var conns []*Client
	cs.clientsLock.RLock()
	for _, userId := range userIds {
		for c := range cs.userMap[userId] {
			conns = append(conns, c)
		}
	}
	cs.clientsLock.RUnlock()

	for _, c := range conns {
		cs.LeaveConversationRoom(c, chatId)
	}
}

// Authenticate verifies token, binds c to the user it names and joins c to
// the user's personal room.
func (cs *ChatServer) Authenticate(ctx context.Context, c *Client, token string) error {
	if token == "" {
		return auth.ErrMissingToken
	}

	userId, err := cs.verifier.Verify(token)
	if err != nil {
		return err
	}

	account, err := cs.accounts.GetAccountById(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: unknown user", auth.ErrInvalidToken)
		}
		return fmt.Errorf("load account: %w", err)
	}

	c.user = chat.ToUser(account)
	c.authenticated = true
	cs.RegisterClient(c)

	return nil
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}

	cs.clients[c] = struct{}{}
	conns, ok := cs.userMap[c.user.Id]
	if !ok {
		conns = make(map[*Client]struct{})
		cs.userMap[c.user.Id] = conns
	}
	conns[c] = struct{}{}

	cs.stats.Incr(stats.NumActiveClients)
	cs.log.Printf("registered connection %s for user %q (%d open)", c.id, c.user.Id, len(conns))
}

// DeRegisterClient drops every binding of c. Other connections of the same
// user are unaffected.
func (cs *ChatServer) DeRegisterClient(c *Client) {
	for _, chatId := range c.roomIds() {
		cs.LeaveConversationRoom(c, chatId)
	}

	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if conns, ok := cs.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}

	cs.stats.Decr(stats.NumActiveClients)
	cs.log.Printf("removed connection %s for user %q", c.id, c.user.Id)
}

// JoinConversationRoom marks c as viewing chatId. Joining is not an
// authorization check; it only makes c a target for room-scoped events such
// as typing indicators. It reports whether c was newly added.
func (cs *ChatServer) JoinConversationRoom(c *Client, chatId string) bool {
	if !c.authenticated {
		cs.log.Printf("ignoring join of %q from unauthenticated connection %s", chatId, c.id)
		return false
	}
	if chatId == "" {
		return false
	}

	// roomsLock covers c.rooms too so a concurrent eviction cannot leave the
	// two out of step.
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if !c.addRoom(chatId) {
		return false
	}

	room, ok := cs.roomMap[chatId]
	if !ok {
		room = make(map[*Client]struct{})
		cs.roomMap[chatId] = room
	}
	room[c] = struct{}{}

	return true
}

func (cs *ChatServer) LeaveConversationRoom(c *Client, chatId string) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	c.delRoom(chatId)

	if room, ok := cs.roomMap[chatId]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(cs.roomMap, chatId)
		}
	}
}

// relayTyping forwards a typing indicator to the other connections in the
// conversation room. The sender must have joined the room.
func (cs *ChatServer) relayTyping(ctx context.Context, c *Client, msg *ClientMessage) error {
	if msg.ChatId == "" {
		return chat.ErrInvalidRequest
	}
	if !c.inRoom(msg.ChatId) {
		return chat.ErrForbidden
	}

	publish(ctx, cs.bus, cs.log, &bus.Delivery{
		Room:       msg.ChatId,
		SkipUserId: c.user.Id,
	}, &ServerMessage{
		Type:      msg.Type,
		Timestamp: Now(),
		ChatId:    msg.ChatId,
		UserId:    c.user.Id,
	})
	return nil
}

// publish encodes msg as the event of d and hands it to the bus. Failures are
// logged; they never reach the caller.
func publish(ctx context.Context, b bus.Bus, logger *log.Logger, d *bus.Delivery, msg *ServerMessage) {
	event, err := json.Marshal(msg)
	if err != nil {
		logger.Printf("encoding %q event: %v", msg.Type, err)
		return
	}
	d.Event = event

	if err := b.Publish(context.WithoutCancel(ctx), d); err != nil {
		logger.Printf("publishing %q event: %v", msg.Type, err)
	}
}
