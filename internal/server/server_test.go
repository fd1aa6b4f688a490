package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/hub"
	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/storage"
	"github.com/npezzotti/go-meetup/internal/testutil"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testHost   = "host-1"
	testMember = "member-1"
)

type testEnv struct {
	cs    *ChatServer
	svc   *meetup.Service
	store *database.MemoryStore
}

func newTestMockStats() *stats.MockStatsUpdater {
	return stats.NewMockStatsUpdater()
}

// newTestChatServer creates a ChatServer backed by an in-memory store.
func newTestChatServer(t *testing.T) *testEnv {
	t.Helper()
	logger := testutil.TestLogger(t)
	store := database.NewMemoryStore()
	su := newTestMockStats()
	svc := meetup.NewService(logger, store, storage.NewMemoryService("http://objects.test"), su)

	profiles, err := hub.NewProfileCache(16, func(ctx context.Context, userId string) (*types.Profile, error) {
		return svc.Profile(ctx, userId)
	})
	require.NoError(t, err)

	cs, err := NewChatServer(logger, svc, store, profiles, su)
	require.NoError(t, err)
	return &testEnv{cs: cs, svc: svc, store: store}
}

// newTestChat creates an event hosted by testHost with testMember accepted,
// which creates the event's chat.
func newTestChat(t *testing.T, env *testEnv) string {
	t.Helper()
	ctx := context.Background()
	ev, err := env.svc.CreateEvent(ctx, testHost, meetup.EventInput{
		Title:     "Board games",
		Location:  "Library",
		Date:      types.NewTimestamp(time.Now().Add(24 * time.Hour)),
		GroupSize: 4,
	})
	require.NoError(t, err)
	_, err = env.svc.RSVP(ctx, ev.Id, testMember)
	require.NoError(t, err)
	_, chat, err := env.svc.Accept(ctx, ev.Id, testHost, testMember)
	require.NoError(t, err)
	return chat.Id
}

func newTestClient(t *testing.T, cs *ChatServer, userId string) *Client {
	t.Helper()
	return &Client{
		chatServer: cs,
		log:        testutil.TestLogger(t),
		user:       types.User{Id: userId},
		send:       make(chan *ServerMessage, 32),
		rooms:      make(map[string]*Room),
		ctx:        context.Background(),
		stop:       make(chan struct{}),
	}
}

func nextMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for message to %q", c.user.Id)
	}
	return nil
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Errorf("expected no message for %q, got %+v", c.user.Id, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	store := database.NewMemoryStore()
	svc := meetup.NewService(testutil.TestLogger(t), store, storage.NewMemoryService(""), newTestMockStats())
	cs, err := NewChatServer(testutil.TestLogger(t), svc, store, nil, su)
	require.NoError(t, err)

	assert.NotNil(t, cs.joinChan)
	assert.NotNil(t, cs.broadcastChan)
	assert.Empty(t, cs.rooms)
	assert.Empty(t, cs.clients)

	_, err = NewChatServer(testutil.TestLogger(t), nil, store, nil, su)
	assert.Error(t, err, "expected a chat service to be required")
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	env := newTestChatServer(t)
	c1 := newTestClient(t, env.cs, "u1")
	c2 := newTestClient(t, env.cs, "u1")
	c3 := newTestClient(t, env.cs, "u2")

	env.cs.addClient(c1)
	env.cs.addClient(c2)
	env.cs.addClient(c3)
	assert.Len(t, env.cs.clients, 3)
	assert.ElementsMatch(t, []*Client{c1, c2}, env.cs.getClients("u1"))

	env.cs.removeClient(c1)
	assert.Equal(t, []*Client{c2}, env.cs.getClients("u1"))

	env.cs.removeClient(c2)
	assert.Empty(t, env.cs.getClients("u1"))
	_, ok := env.cs.userMap["u1"]
	assert.False(t, ok, "expected user entry to be dropped with its last connection")

	// removing twice is a no-op
	env.cs.removeClient(c2)
	assert.Len(t, env.cs.clients, 1)
}

func TestChatServer_handleBroadcast(t *testing.T) {
	env := newTestChatServer(t)
	c1 := newTestClient(t, env.cs, "u1")
	c2 := newTestClient(t, env.cs, "u1")
	other := newTestClient(t, env.cs, "u2")
	for _, c := range []*Client{c1, c2, other} {
		env.cs.addClient(c)
	}

	env.cs.handleBroadcast(&ServerMessage{
		Notification: &Notification{Message: &MessageNotification{ChatId: "c1"}},
		UserId:       "u1",
		SkipClient:   c2,
	})

	msg := nextMessage(t, c1)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "c1", msg.Notification.Message.ChatId)
	assertNoMessage(t, c2)
	assertNoMessage(t, other)
}

func TestChatServer_addRoom_getRoom_removeRoom(t *testing.T) {
	env := newTestChatServer(t)
	r := &Room{chatId: "c1"}

	env.cs.addRoom(r)
	assert.Equal(t, r, env.cs.getRoom("c1"))
	assert.Nil(t, env.cs.getRoom("c2"))

	got, ok := env.cs.removeRoom("c1")
	assert.True(t, ok)
	assert.Equal(t, r, got)
	_, ok = env.cs.removeRoom("c1")
	assert.False(t, ok)
}

func TestChatServer_handleJoinRoom(t *testing.T) {
	env := newTestChatServer(t)
	chatId := newTestChat(t, env)

	t.Run("chat not found", func(t *testing.T) {
		c := newTestClient(t, env.cs, testMember)
		env.cs.handleJoinRoom(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{ChatId: "missing"}, UserId: testMember, client: c})

		msg := nextMessage(t, c)
		assert.Equal(t, http.StatusNotFound, msg.Response.ResponseCode)
		assert.Nil(t, env.cs.getRoom("missing"))
	})

	t.Run("not a participant", func(t *testing.T) {
		c := newTestClient(t, env.cs, "stranger")
		env.cs.handleJoinRoom(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, Join: &Join{ChatId: chatId}, UserId: "stranger", client: c})

		msg := nextMessage(t, c)
		assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		assert.Nil(t, env.cs.getRoom(chatId), "expected no room for a refused join")
	})

	t.Run("participant loads the room", func(t *testing.T) {
		c := newTestClient(t, env.cs, testMember)
		env.cs.handleJoinRoom(&ClientMessage{BaseMessage: BaseMessage{Id: 3}, Join: &Join{ChatId: chatId}, UserId: testMember, client: c})

		msg := nextMessage(t, c)
		require.NotNil(t, msg.Response)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		info, ok := msg.Response.Data.(JoinInfo)
		require.True(t, ok, "expected join info in response")
		assert.Equal(t, chatId, info.Chat.Id)
		assert.Equal(t, []string{testMember}, info.Present)

		r := env.cs.getRoom(chatId)
		require.NotNil(t, r)
		_, joined := c.getRoom(chatId)
		assert.True(t, joined)

		env.cs.unloadRoom(chatId, false)
		assert.Nil(t, env.cs.getRoom(chatId))
		_, joined = c.getRoom(chatId)
		assert.False(t, joined, "expected unloaded room to be removed from the client")
	})
}

func TestChatServerShutdown(t *testing.T) {
	env := newTestChatServer(t)
	chatId := newTestChat(t, env)
	go env.cs.Run()

	c := newTestClient(t, env.cs, testHost)
	require.True(t, env.cs.RegisterClient(c))
	c.joinRoom(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{ChatId: chatId}, UserId: testHost, client: c})
	assert.Equal(t, http.StatusOK, nextMessage(t, c).Response.ResponseCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.cs.Shutdown(ctx))

	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}
	assert.Empty(t, env.cs.rooms, "expected rooms to be unloaded")
	assert.False(t, env.cs.RegisterClient(newTestClient(t, env.cs, "late")), "expected registration to fail after shutdown")
}

func TestChatServer_RemoveRoom(t *testing.T) {
	env := newTestChatServer(t)
	chatId := newTestChat(t, env)
	go env.cs.Run()
	t.Cleanup(func() { env.cs.Shutdown(context.Background()) })

	c := newTestClient(t, env.cs, testMember)
	require.True(t, env.cs.RegisterClient(c))
	c.joinRoom(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &Join{ChatId: chatId}, UserId: testMember, client: c})
	assert.Equal(t, http.StatusOK, nextMessage(t, c).Response.ResponseCode)

	env.cs.RemoveRoom(chatId)

	msg := nextMessage(t, c)
	require.NotNil(t, msg.Notification)
	require.NotNil(t, msg.Notification.ChatDeleted)
	assert.Equal(t, chatId, msg.Notification.ChatDeleted.ChatId)
	assert.Eventually(t, func() bool {
		_, ok := c.getRoom(chatId)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func Test_errorResponse(t *testing.T) {
	tcases := []struct {
		err  error
		code int
	}{
		{database.ErrNotFound, http.StatusNotFound},
		{meetup.ErrNotParticipant, http.StatusForbidden},
		{meetup.ErrInvalidMessage, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			msg := errorResponse(7, tc.err)
			assert.Equal(t, 7, msg.Id)
			assert.Equal(t, tc.code, msg.Response.ResponseCode)
		})
	}
}
