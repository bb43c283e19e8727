package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatline/internal/auth"
	"github.com/npezzotti/chatline/internal/bus"
	"github.com/npezzotti/chatline/internal/chat"
	"github.com/npezzotti/chatline/internal/database"
	"github.com/npezzotti/chatline/internal/database/sqlite"
	"github.com/npezzotti/chatline/internal/database/storetest"
	"github.com/npezzotti/chatline/internal/stats"
	"github.com/npezzotti/chatline/internal/testutil"
	"github.com/npezzotti/chatline/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a ChatServer on a local bus with no stores
// behind it.
func newTestChatServer(t *testing.T, opts ...Option) *ChatServer {
	cs, err := NewChatServer(context.Background(), testutil.TestLogger(t), bus.NewLocalBus(),
		auth.NewTokenManager([]byte("secret"), time.Hour), &database.MockStore{}, nil, stats.NewMockStatsUpdater(), opts...)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

func newTestClient(cs *ChatServer, id, userId string) *Client {
	return &Client{
		id:            id,
		cs:            cs,
		log:           cs.log,
		user:          types.User{Id: userId},
		authenticated: true,
		send:          make(chan *ServerMessage, 16),
		rooms:         make(map[string]struct{}),
		stop:          make(chan struct{}),
	}
}

type testEnv struct {
	t      *testing.T
	store  *sqlite.Store
	chats  *chat.Service
	cs     *ChatServer
	tokens *auth.TokenManager
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, echoToSender bool, opts ...Option) *testEnv {
	logger := testutil.TestLogger(t)

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)

	b := bus.NewLocalBus()
	su := stats.NewMockStatsUpdater()
	chats := chat.NewService(logger, store, store, store, NewPropagator(logger, b))
	fanout := NewFanOut(logger, chats, b, su, echoToSender)
	tokens := auth.NewTokenManager([]byte("secret"), time.Hour)

	cs, err := NewChatServer(context.Background(), logger, b, tokens, store, fanout, su, opts...)
	require.NoError(t, err)
	go cs.Run()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.Serve(NewClient(conn, cs, logger), auth.TokenFromRequest(r))
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
		srv.Close()
		store.Close()
	})

	return &testEnv{t: t, store: store, chats: chats, cs: cs, tokens: tokens, srv: srv}
}

func (e *testEnv) account(name string) database.Account {
	return storetest.CreateAccount(e.t, e.store, name)
}

func (e *testEnv) token(userId string) string {
	token, err := e.tokens.Issue(userId)
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) dialRaw(query string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

// connect opens an authenticated connection for userId.
func (e *testEnv) connect(userId string) *websocket.Conn {
	conn := e.dialRaw("?token=" + e.token(userId))
	ack := readEvent(e.t, conn)
	require.Equal(e.t, EventResponse, ack.Type)
	require.Equal(e.t, http.StatusOK, ack.Response.ResponseCode)
	return conn
}

// directChat and group write straight to the store so that no chat_updated
// event races with the connections opened afterwards.
func (e *testEnv) directChat(a, b string) string {
	conv, err := e.store.CreateConversation(context.Background(), database.CreateConversationParams{
		Id:      "direct-" + a + "-" + b,
		Members: []string{a, b},
	})
	require.NoError(e.t, err)
	return conv.Id
}

func (e *testEnv) group(adminId string, members ...string) string {
	conv, err := e.store.CreateConversation(context.Background(), database.CreateConversationParams{
		Id:      "group-" + adminId,
		Name:    "team",
		IsGroup: true,
		AdminId: adminId,
		Members: append([]string{adminId}, members...),
	})
	require.NoError(e.t, err)
	return conv.Id
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	require.NoError(t, conn.WriteJSON(msg))
}

func readEvent(t *testing.T, conn *websocket.Conn) *ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

// assertSilent fails if conn receives anything within a short window. The
// connection is unusable for reads afterwards.
func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, raw, err := conn.ReadMessage()
	assert.Error(t, err, "expected no event, got %s", raw)
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.NumActiveClients).Return().Once()
	su.On("RegisterMetric", stats.NumDeliveries).Return().Once()
	su.On("RegisterMetric", stats.NumDroppedDeliveries).Return().Once()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(context.Background(), logger, bus.NewLocalBus(), auth.NewTokenManager([]byte("k"), time.Hour),
		&database.MockStore{}, nil, su, WithAuthTimeout(time.Second), WithEventRate(5, 10))
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.NotNil(t, cs.sub, "expected bus subscription")
	assert.NotNil(t, cs.broadcastChan, "expected broadcastChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.userMap, "expected userMap to be initialized")
	assert.Equal(t, time.Second, cs.authTimeout)
	assert.EqualValues(t, 5, cs.eventRate)
	assert.Equal(t, 10, cs.eventBurst)
}

func TestNewChatServerClosedBus(t *testing.T) {
	b := bus.NewLocalBus()
	require.NoError(t, b.Close())

	_, err := NewChatServer(context.Background(), testutil.TestLogger(t), b, auth.NewTokenManager([]byte("k"), time.Hour),
		&database.MockStore{}, nil, stats.NewMockStatsUpdater())
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never signal done
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})

	t.Run("stops registered clients", func(t *testing.T) {
		cs := newTestChatServer(t)
		go cs.Run()

		c := newTestClient(cs, "c1", "u1")
		cs.RegisterClient(c)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, cs.Shutdown(ctx))

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped")
		}
	})
}

func TestShutdownWaitsForConnections(t *testing.T) {
	logger := testutil.TestLogger(t)

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.Run()

	b := bus.NewLocalBus()
	chats := chat.NewService(logger, store, store, store, NewPropagator(logger, b))
	tokens := auth.NewTokenManager([]byte("secret"), time.Hour)
	cs, err := NewChatServer(context.Background(), logger, b, tokens, store, NewFanOut(logger, chats, b, su, false), su,
		WithAuthTimeout(time.Minute))
	require.NoError(t, err)
	go cs.Run()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.Serve(NewClient(conn, cs, logger), auth.TokenFromRequest(r))
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	activeClients := func() float64 {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
		var vars map[string]any
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&vars))
		n, _ := vars[stats.NumActiveClients].(float64)
		return n
	}

	var conns []*websocket.Conn
	for i := 0; i < 20; i++ {
		acct := storetest.CreateAccount(t, store, "user"+string(rune('a'+i)))
		token, err := tokens.Issue(acct.Id)
		require.NoError(t, err)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.Equal(t, http.StatusOK, readEvent(t, conn).Response.ResponseCode)
		conns = append(conns, conn)
	}

	// never authenticates
	pending, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer pending.Close()
	conns = append(conns, pending)

	require.Eventually(t, func() bool {
		cs.connsLock.Lock()
		defer cs.connsLock.Unlock()
		return len(cs.conns) == len(conns)
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return activeClients() == 20 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))
	assert.NotPanics(t, su.Stop)

	assert.Eventually(t, func() bool { return activeClients() == 0 }, time.Second, 10*time.Millisecond)
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going away close, got %v", err)
	}
}

func TestServeAfterShutdown(t *testing.T) {
	cs := newTestChatServer(t)
	go cs.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.Serve(NewClient(conn, cs, cs.log), "")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection must be closed")
	assert.Empty(t, cs.conns)
}

func TestRoomIndexMatchesClientRooms(t *testing.T) {
	cs := newTestChatServer(t)

	clients := []*Client{newTestClient(cs, "c1", "u1"), newTestClient(cs, "c2", "u2")}
	for _, c := range clients {
		cs.RegisterClient(c)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				cs.JoinConversationRoom(c, "chat1")
			}
		}(c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			cs.evict("chat1", []string{"u1", "u2"})
		}
	}()
	wg.Wait()

	for _, c := range clients {
		_, indexed := cs.roomMap["chat1"][c]
		assert.Equal(t, c.inRoom("chat1"), indexed, "room index and client rooms disagree for %s", c.id)
	}

	for _, c := range clients {
		cs.DeRegisterClient(c)
	}
	assert.Empty(t, cs.roomMap, "no connection may outlive its registration in a room")
}

func TestRegisterClient(t *testing.T) {
	cs := newTestChatServer(t)

	c1 := newTestClient(cs, "c1", "u1")
	c2 := newTestClient(cs, "c2", "u1")
	cs.RegisterClient(c1)
	cs.RegisterClient(c1)
	cs.RegisterClient(c2)

	assert.Len(t, cs.clients, 2)
	assert.Len(t, cs.userMap["u1"], 2, "both connections share the personal room")

	cs.JoinConversationRoom(c1, "chat1")
	cs.DeRegisterClient(c1)
	cs.DeRegisterClient(c1)

	assert.Len(t, cs.clients, 1)
	assert.Len(t, cs.userMap["u1"], 1)
	assert.NotContains(t, cs.roomMap, "chat1", "room bindings go with the connection")

	cs.handleBroadcast(&outbound{
		delivery: &bus.Delivery{UserIds: []string{"u1"}},
		msg:      &ServerMessage{Type: EventMessageReceived},
	})
	assert.Len(t, c2.send, 1, "remaining connection still receives personal deliveries")
	assert.Len(t, c1.send, 0)

	cs.DeRegisterClient(c2)
	assert.NotContains(t, cs.userMap, "u1")
}

func TestJoinConversationRoom(t *testing.T) {
	cs := newTestChatServer(t)
	c := newTestClient(cs, "c1", "u1")

	assert.True(t, cs.JoinConversationRoom(c, "chat1"))
	assert.False(t, cs.JoinConversationRoom(c, "chat1"), "second join is a no-op")
	assert.Len(t, c.rooms, 1)
	assert.Len(t, cs.roomMap["chat1"], 1)

	assert.False(t, cs.JoinConversationRoom(c, ""))

	cs.LeaveConversationRoom(c, "chat1")
	cs.LeaveConversationRoom(c, "chat1")
	assert.Empty(t, c.rooms)
	assert.NotContains(t, cs.roomMap, "chat1")

	anon := newTestClient(cs, "c2", "")
	anon.authenticated = false
	assert.False(t, cs.JoinConversationRoom(anon, "chat1"), "unauthenticated connections cannot join")
	assert.Empty(t, anon.rooms)
}

func TestHandleBroadcast(t *testing.T) {
	cs := newTestChatServer(t)

	alice1 := newTestClient(cs, "a1", "alice")
	alice2 := newTestClient(cs, "a2", "alice")
	bob := newTestClient(cs, "b1", "bob")
	carol := newTestClient(cs, "c1", "carol")
	for _, c := range []*Client{alice1, alice2, bob, carol} {
		cs.RegisterClient(c)
	}
	cs.JoinConversationRoom(bob, "chat1")
	cs.JoinConversationRoom(carol, "chat1")

	drain := func(cs ...*Client) []int {
		var n []int
		for _, c := range cs {
			n = append(n, len(c.send))
			for len(c.send) > 0 {
				<-c.send
			}
		}
		return n
	}

	tcases := []struct {
		name     string
		delivery *bus.Delivery
		expected []int
	}{
		{
			name:     "personal rooms skipping the sender",
			delivery: &bus.Delivery{UserIds: []string{"alice", "bob"}, SkipUserId: "alice"},
			expected: []int{0, 0, 1, 0},
		},
		{
			name:     "skip a single connection",
			delivery: &bus.Delivery{UserIds: []string{"alice", "bob"}, SkipConnId: "a1"},
			expected: []int{0, 1, 1, 0},
		},
		{
			name:     "user and room targets are delivered once",
			delivery: &bus.Delivery{UserIds: []string{"bob"}, Room: "chat1"},
			expected: []int{0, 0, 1, 1},
		},
		{
			name:     "unknown user",
			delivery: &bus.Delivery{UserIds: []string{"dave"}},
			expected: []int{0, 0, 0, 0},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs.handleBroadcast(&outbound{delivery: tc.delivery, msg: &ServerMessage{Type: EventMessageReceived}})
			assert.Equal(t, tc.expected, drain(alice1, alice2, bob, carol))
		})
	}

	t.Run("leave evicts the targeted users", func(t *testing.T) {
		cs.handleBroadcast(&outbound{
			delivery: &bus.Delivery{UserIds: []string{"bob"}, Leave: "chat1"},
			msg:      &ServerMessage{Type: EventRemovedFromChat},
		})
		assert.Equal(t, []int{0, 0, 1, 0}, drain(alice1, alice2, bob, carol))
		assert.False(t, bob.inRoom("chat1"))
		assert.True(t, carol.inRoom("chat1"))
		assert.Len(t, cs.roomMap["chat1"], 1)
	})

	t.Run("full send queue does not block other targets", func(t *testing.T) {
		for len(bob.send) < cap(bob.send) {
			bob.send <- &ServerMessage{}
		}
		cs.handleBroadcast(&outbound{
			delivery: &bus.Delivery{UserIds: []string{"bob", "carol"}},
			msg:      &ServerMessage{Type: EventMessageReceived},
		})
		assert.Len(t, carol.send, 1)
		drain(bob, carol)
	})
}

func TestReceiveMalformedEvent(t *testing.T) {
	cs := newTestChatServer(t)
	cs.receive(&bus.Delivery{UserIds: []string{"u1"}, Event: json.RawMessage(`{`)})
	assert.Len(t, cs.broadcastChan, 0)

	cs.receive(&bus.Delivery{UserIds: []string{"u1"}, Event: json.RawMessage(`{"type":"typing"}`)})
	require.Len(t, cs.broadcastChan, 1)
	out := <-cs.broadcastChan
	assert.Equal(t, EventTyping, out.msg.Type)
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t, false)
	alice := env.account("Alice")

	t.Run("binds the user and personal room", func(t *testing.T) {
		c := newTestClient(env.cs, "conn", "")
		c.authenticated = false
		require.NoError(t, env.cs.Authenticate(context.Background(), c, env.token(alice.Id)))
		assert.True(t, c.authenticated)
		assert.Equal(t, alice.Id, c.user.Id)
		assert.Equal(t, "Alice", c.user.FullName)
		env.cs.clientsLock.RLock()
		assert.Contains(t, env.cs.userMap[alice.Id], c)
		env.cs.clientsLock.RUnlock()
		env.cs.DeRegisterClient(c)
	})

	tcases := []struct {
		name  string
		token string
		err   error
	}{
		{name: "missing", token: "", err: auth.ErrMissingToken},
		{name: "garbage", token: "not-a-jwt", err: auth.ErrInvalidToken},
		{name: "unknown user", token: env.token("ghost"), err: auth.ErrInvalidToken},
		{name: "expired", token: func() string {
			tok, err := auth.NewTokenManager([]byte("secret"), -time.Hour).Issue(alice.Id)
			require.NoError(t, err)
			return tok
		}(), err: auth.ErrExpiredToken},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(env.cs, "conn-"+tc.name, "")
			c.authenticated = false
			err := env.cs.Authenticate(context.Background(), c, tc.token)
			assert.ErrorIs(t, err, tc.err)
			assert.False(t, c.authenticated)
		})
	}
}

func TestConnectionAuthentication(t *testing.T) {
	env := newTestEnv(t, false, WithAuthTimeout(500*time.Millisecond))
	alice := env.account("Alice")

	t.Run("invalid handshake credential closes the connection", func(t *testing.T) {
		conn := env.dialRaw("?token=bogus")
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	})

	t.Run("in-band authentication drops earlier events", func(t *testing.T) {
		conn := env.dialRaw("")
		send(t, conn, ClientMessage{Id: 1, Type: EventJoinChat, ChatId: "chat1"})
		send(t, conn, ClientMessage{Id: 2, Type: EventAuthenticate, Token: env.token(alice.Id)})

		ack := readEvent(t, conn)
		assert.Equal(t, 2, ack.Id, "the first response answers the authenticate event")
		assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)

		send(t, conn, ClientMessage{Id: 3, Type: EventJoinChat, ChatId: "chat1"})
		res := readEvent(t, conn)
		assert.Equal(t, 3, res.Id)
		assert.Equal(t, http.StatusOK, res.Response.ResponseCode)
	})

	t.Run("bad in-band credential closes the connection", func(t *testing.T) {
		conn := env.dialRaw("")
		send(t, conn, ClientMessage{Id: 1, Type: EventAuthenticate, Token: "bogus"})
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	})

	t.Run("silent connection is dropped after the auth timeout", func(t *testing.T) {
		conn := env.dialRaw("")
		start := time.Now()
		conn.SetReadDeadline(start.Add(3 * time.Second))
		_, _, err := conn.ReadMessage()
		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second, "server should close before the client deadline")
	})
}

func TestMessageFanOut(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	alice := env.account("Alice")
	bob := env.account("Bob")
	chatId := env.directChat(alice.Id, bob.Id)

	a1 := env.connect(alice.Id)
	a2 := env.connect(alice.Id)
	b1 := env.connect(bob.Id)
	b2 := env.connect(bob.Id)

	send(t, a1, ClientMessage{Id: 7, Type: EventNewMessage, ChatId: chatId, Content: "hello"})

	ack := readEvent(t, a1)
	assert.Equal(t, 7, ack.Id)
	require.Equal(t, http.StatusAccepted, ack.Response.ResponseCode)

	var sent types.Message
	raw, err := json.Marshal(ack.Response.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "hello", sent.Content)

	for _, conn := range []*websocket.Conn{b1, b2} {
		ev := readEvent(t, conn)
		assert.Equal(t, EventMessageReceived, ev.Type)
		require.NotNil(t, ev.Message)
		assert.Equal(t, sent.Id, ev.Message.Id)
		assert.Equal(t, "hello", ev.Message.Content)
		assert.Equal(t, alice.Id, ev.Message.Sender.Id)
		assert.Equal(t, "Alice", ev.Message.Sender.FullName)
		assert.Equal(t, chatId, ev.ChatId)
	}

	stored, err := env.store.GetConversation(ctx, chatId)
	require.NoError(t, err)
	assert.Equal(t, sent.Id, stored.LatestMessageId)

	for _, conn := range []*websocket.Conn{a1, a2, b1, b2} {
		assertSilent(t, conn)
	}
}

func TestMessageFanOutEchoToSender(t *testing.T) {
	env := newTestEnv(t, true)

	alice := env.account("Alice")
	bob := env.account("Bob")
	chatId := env.directChat(alice.Id, bob.Id)

	a1 := env.connect(alice.Id)
	a2 := env.connect(alice.Id)

	send(t, a1, ClientMessage{Id: 1, Type: EventNewMessage, ChatId: chatId, Content: "from tab one"})
	ack := readEvent(t, a1)
	assert.Equal(t, http.StatusAccepted, ack.Response.ResponseCode)

	ev := readEvent(t, a2)
	assert.Equal(t, EventMessageReceived, ev.Type)
	assert.Equal(t, "from tab one", ev.Message.Content)

	assertSilent(t, a1)
}

func TestRejectedSubmissions(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	alice := env.account("Alice")
	bob := env.account("Bob")
	mallory := env.account("Mallory")
	chatId := env.directChat(alice.Id, bob.Id)

	b := env.connect(bob.Id)
	m := env.connect(mallory.Id)

	tcases := []struct {
		name   string
		msg    ClientMessage
		status int
	}{
		{name: "non member", msg: ClientMessage{Id: 1, Type: EventNewMessage, ChatId: chatId, Content: "let me in"}, status: http.StatusForbidden},
		{name: "unknown chat", msg: ClientMessage{Id: 2, Type: EventNewMessage, ChatId: "nope", Content: "hi"}, status: http.StatusNotFound},
		{name: "blank content", msg: ClientMessage{Id: 3, Type: EventNewMessage, ChatId: chatId, Content: "   "}, status: http.StatusBadRequest},
		{name: "unknown event", msg: ClientMessage{Id: 4, Type: "shout"}, status: http.StatusBadRequest},
		{name: "typing outside the room", msg: ClientMessage{Id: 5, Type: EventTyping, ChatId: chatId}, status: http.StatusForbidden},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			send(t, m, tc.msg)
			res := readEvent(t, m)
			assert.Equal(t, tc.msg.Id, res.Id)
			assert.Equal(t, tc.status, res.Response.ResponseCode)
		})
	}

	n, err := env.store.CountMessages(ctx, chatId)
	require.NoError(t, err)
	assert.Zero(t, n)

	assertSilent(t, b)
}

func TestDuplicateSubmissionIsNotRebroadcast(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	alice := env.account("Alice")
	bob := env.account("Bob")
	chatId := env.directChat(alice.Id, bob.Id)

	a := env.connect(alice.Id)
	b := env.connect(bob.Id)

	for i := 1; i <= 2; i++ {
		send(t, a, ClientMessage{Id: i, Type: EventNewMessage, ChatId: chatId, Content: "retry me", ClientId: "k1"})
		res := readEvent(t, a)
		assert.Equal(t, http.StatusAccepted, res.Response.ResponseCode)
	}

	ev := readEvent(t, b)
	assert.Equal(t, EventMessageReceived, ev.Type)
	assertSilent(t, b)

	n, err := env.store.CountMessages(ctx, chatId)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTypingRelay(t *testing.T) {
	env := newTestEnv(t, false)

	alice := env.account("Alice")
	bob := env.account("Bob")
	chatId := env.directChat(alice.Id, bob.Id)

	a := env.connect(alice.Id)
	b := env.connect(bob.Id)

	for _, conn := range []*websocket.Conn{a, b} {
		send(t, conn, ClientMessage{Id: 1, Type: EventJoinChat, ChatId: chatId})
		assert.Equal(t, http.StatusOK, readEvent(t, conn).Response.ResponseCode)
	}

	send(t, a, ClientMessage{Type: EventTyping, ChatId: chatId})
	ev := readEvent(t, b)
	assert.Equal(t, EventTyping, ev.Type)
	assert.Equal(t, alice.Id, ev.UserId)
	assert.Equal(t, chatId, ev.ChatId)

	send(t, a, ClientMessage{Type: EventStopTyping, ChatId: chatId})
	ev = readEvent(t, b)
	assert.Equal(t, EventStopTyping, ev.Type)

	assertSilent(t, a)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, false, WithEventRate(0.001, 1))
	alice := env.account("Alice")
	a := env.connect(alice.Id)

	send(t, a, ClientMessage{Id: 1, Type: EventJoinChat, ChatId: "c"})
	send(t, a, ClientMessage{Id: 2, Type: EventJoinChat, ChatId: "c"})

	assert.Equal(t, http.StatusOK, readEvent(t, a).Response.ResponseCode)
	res := readEvent(t, a)
	assert.Equal(t, 2, res.Id)
	assert.Equal(t, http.StatusTooManyRequests, res.Response.ResponseCode)
}

func TestMembershipPropagation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	admin := env.account("Admin")
	bob := env.account("Bob")
	carol := env.account("Carol")
	groupId := env.group(admin.Id, bob.Id, carol.Id)

	a := env.connect(admin.Id)
	b := env.connect(bob.Id)
	c := env.connect(carol.Id)

	send(t, b, ClientMessage{Id: 1, Type: EventJoinChat, ChatId: groupId})
	require.Equal(t, http.StatusOK, readEvent(t, b).Response.ResponseCode)

	_, err := env.chats.RemoveMember(ctx, admin.Id, groupId, bob.Id)
	require.NoError(t, err)

	ev := readEvent(t, b)
	assert.Equal(t, EventRemovedFromChat, ev.Type)
	assert.Equal(t, groupId, ev.ChatId)

	for _, conn := range []*websocket.Conn{a, c} {
		ev := readEvent(t, conn)
		assert.Equal(t, EventChatUpdated, ev.Type)
		require.NotNil(t, ev.Chat)
		assert.Len(t, ev.Chat.Users, 2)
	}

	assert.Eventually(t, func() bool {
		env.cs.roomsLock.RLock()
		defer env.cs.roomsLock.RUnlock()
		return len(env.cs.roomMap[groupId]) == 0
	}, time.Second, 10*time.Millisecond, "removed member is evicted from the conversation room")

	send(t, b, ClientMessage{Id: 2, Type: EventNewMessage, ChatId: groupId, Content: "still here?"})
	assert.Equal(t, http.StatusForbidden, readEvent(t, b).Response.ResponseCode)

	require.NoError(t, env.chats.DeleteConversation(ctx, admin.Id, groupId))
	for _, conn := range []*websocket.Conn{a, c} {
		ev := readEvent(t, conn)
		assert.Equal(t, EventChatDeleted, ev.Type)
		assert.Equal(t, groupId, ev.ChatId)
	}
	assertSilent(t, b)
}
