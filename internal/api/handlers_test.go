package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/server"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostId   = "host-1"
	memberId = "member-1"
)

func (a *testApp) createEvent(t *testing.T, host string) *types.Event {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/events", createEventReq(), host)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[*types.Event](t, rr)
}

func Test_createEvent(t *testing.T) {
	app := newTestApp(t)

	ev := app.createEvent(t, hostId)
	assert.NotEmpty(t, ev.Id)
	assert.Equal(t, hostId, ev.Host)
	assert.True(t, ev.Active)

	invalid := createEventReq()
	invalid.Title = ""
	rr := app.do(t, http.MethodPost, "/api/events", invalid, hostId)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, http.MethodPost, "/api/events", createEventReq(), "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func Test_getUpdateEvent(t *testing.T) {
	app := newTestApp(t)
	ev := app.createEvent(t, hostId)

	rr := app.do(t, http.MethodGet, "/api/events/"+ev.Id, nil, memberId)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, ev.Title, decodeBody[*types.Event](t, rr).Title)

	rr = app.do(t, http.MethodGet, "/api/events/missing", nil, memberId)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	title := "Climbing & pizza"
	rr = app.do(t, http.MethodPut, "/api/events/"+ev.Id, meetup.EventUpdate{Title: &title}, memberId)
	assert.Equal(t, http.StatusForbidden, rr.Code, "expected only the host to edit")

	rr = app.do(t, http.MethodPut, "/api/events/"+ev.Id, meetup.EventUpdate{Title: &title}, hostId)
	require.Equal(t, http.StatusOK, rr.Code)
	updated := decodeBody[*types.Event](t, rr)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, ev.Location, updated.Location, "expected untouched fields to be kept")
}

func Test_discoverAndHosted(t *testing.T) {
	app := newTestApp(t)
	ev := app.createEvent(t, hostId)

	rr := app.do(t, http.MethodGet, "/api/events", nil, memberId)
	require.Equal(t, http.StatusOK, rr.Code)
	found := decodeBody[[]*types.Event](t, rr)
	require.Len(t, found, 1)
	assert.Equal(t, ev.Id, found[0].Id)

	rr = app.do(t, http.MethodGet, "/api/events?tag=music", nil, memberId)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String(), "expected an empty list rather than null")

	rr = app.do(t, http.MethodGet, "/api/events", nil, hostId)
	assert.Empty(t, decodeBody[[]*types.Event](t, rr), "expected hosts not to discover their own events")

	rr = app.do(t, http.MethodPost, "/api/events/"+ev.Id+"/pass", nil, memberId)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = app.do(t, http.MethodGet, "/api/events", nil, memberId)
	assert.Empty(t, decodeBody[[]*types.Event](t, rr), "expected passed events to be hidden")

	rr = app.do(t, http.MethodGet, "/api/events/hosted", nil, hostId)
	require.Equal(t, http.StatusOK, rr.Code)
	hosted := decodeBody[[]*types.Event](t, rr)
	require.Len(t, hosted, 1)
	assert.Equal(t, ev.Id, hosted[0].Id)
}

func Test_membershipFlow(t *testing.T) {
	app := newTestApp(t)
	ev := app.createEvent(t, hostId)
	base := "/api/events/" + ev.Id

	rr := app.do(t, http.MethodPost, base+"/rsvp", nil, hostId)
	assert.Equal(t, http.StatusForbidden, rr.Code, "expected hosts not to RSVP")

	rr = app.do(t, http.MethodPost, base+"/rsvp", nil, memberId)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, types.StatusPending, decodeBody[*types.Membership](t, rr).Status)

	rr = app.do(t, http.MethodGet, base+"/members", nil, memberId)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, http.MethodGet, base+"/members", nil, hostId)
	require.Equal(t, http.StatusOK, rr.Code)
	members := decodeBody[*types.EventMembers](t, rr)
	require.Len(t, members.Pending, 1)
	assert.Equal(t, memberId, members.Pending[0].UserId)

	rr = app.do(t, http.MethodPost, base+"/members/"+memberId+"/accept", nil, memberId)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, http.MethodPost, base+"/members/"+memberId+"/accept", nil, hostId)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decodeBody[AcceptResponse](t, rr)
	assert.Equal(t, types.StatusAccepted, res.Membership.Status)
	require.NotNil(t, res.Chat)
	assert.Equal(t, []string{hostId, memberId}, res.Chat.Participants)

	rr = app.do(t, http.MethodPost, base+"/members/"+memberId+"/decline", nil, hostId)
	assert.Equal(t, http.StatusConflict, rr.Code, "expected a decided membership not to change")

	rr = app.do(t, http.MethodPost, base+"/rsvp", nil, "member-2")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = app.do(t, http.MethodPost, base+"/members/member-2/decline", nil, hostId)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, types.StatusRejected, decodeBody[*types.Membership](t, rr).Status)
}

func Test_chatEndpoints(t *testing.T) {
	app := newTestApp(t)
	ev := app.createEvent(t, hostId)
	require.Equal(t, http.StatusOK, app.do(t, http.MethodPost, "/api/events/"+ev.Id+"/rsvp", nil, memberId).Code)
	require.Equal(t, http.StatusOK, app.do(t, http.MethodPost, "/api/events/"+ev.Id+"/members/"+memberId+"/accept", nil, hostId).Code)
	base := "/api/chats/" + ev.Id

	rr := app.do(t, http.MethodPost, base+"/messages", SendMessageRequest{Text: "what should I bring?"}, memberId)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sent := decodeBody[*types.Message](t, rr)
	assert.Equal(t, memberId, sent.SenderId)

	rr = app.do(t, http.MethodPost, base+"/messages", SendMessageRequest{Text: " "}, memberId)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, http.MethodPost, base+"/messages", SendMessageRequest{Text: "hi"}, "stranger")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, http.MethodGet, base+"/messages?limit=1", nil, hostId)
	require.Equal(t, http.StatusOK, rr.Code)
	msgs := decodeBody[[]*types.Message](t, rr)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.Id, msgs[0].Id, "expected the most recent message")

	rr = app.do(t, http.MethodGet, base+"/messages?limit=x", nil, hostId)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = app.do(t, http.MethodGet, "/api/chats", nil, hostId)
	require.Equal(t, http.StatusOK, rr.Code)
	chats := decodeBody[[]*meetup.ChatSummary](t, rr)
	require.Len(t, chats, 1)
	assert.True(t, chats[0].Unseen, "expected the host to have an unseen message")
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "what should I bring?", chats[0].LastMessage.Text)

	rr = app.do(t, http.MethodPost, base+"/seen", nil, hostId)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = app.do(t, http.MethodGet, "/api/chats", nil, hostId)
	assert.False(t, decodeBody[[]*meetup.ChatSummary](t, rr)[0].Unseen)
}

func Test_deleteEvent(t *testing.T) {
	app := newTestApp(t)
	ev := app.createEvent(t, hostId)
	require.Equal(t, http.StatusOK, app.do(t, http.MethodPost, "/api/events/"+ev.Id+"/rsvp", nil, memberId).Code)
	require.Equal(t, http.StatusOK, app.do(t, http.MethodPost, "/api/events/"+ev.Id+"/members/"+memberId+"/accept", nil, hostId).Code)
	require.Equal(t, http.StatusOK, app.upload(t, "/api/events/"+ev.Id+"/photos", "trail.jpg", []byte("jpeg"), hostId).Code)

	rr := app.do(t, http.MethodDelete, "/api/events/"+ev.Id, nil, memberId)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = app.do(t, http.MethodDelete, "/api/events/"+ev.Id, nil, hostId)
	require.Equal(t, http.StatusNoContent, rr.Code)

	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodGet, "/api/events/"+ev.Id, nil, hostId).Code)
	assert.Equal(t, 0, app.store.Len(types.MembershipCollection(ev.Id, types.StatusAccepted)))
	assert.Equal(t, 0, app.store.Len(types.MessagesCollection(ev.Id)))
	assert.Equal(t, 0, app.store.Len(types.RsvpPointersCollection(memberId)))
	assert.Empty(t, app.objects.Keys())
}

func Test_uploads(t *testing.T) {
	app := newTestApp(t)

	t.Run("profile picture", func(t *testing.T) {
		rr := app.upload(t, "/api/profile/picture", "me.png", []byte("png"), memberId)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		p := decodeBody[*types.Profile](t, rr)
		assert.True(t, strings.HasPrefix(p.PhotoURL, "http://objects.test/profilePics/"+memberId+"/"), p.PhotoURL)
		assert.True(t, strings.HasSuffix(p.PhotoURL, ".png"))
	})

	t.Run("event photo by host", func(t *testing.T) {
		ev := app.createEvent(t, hostId)
		rr := app.upload(t, "/api/events/"+ev.Id+"/photos", "group.jpg", []byte("jpg"), hostId)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		updated := decodeBody[*types.Event](t, rr)
		require.Len(t, updated.Photos, 1)
		assert.Contains(t, updated.Photos[0], types.EventPicPrefix(ev.Id))

		rr = app.upload(t, "/api/events/"+ev.Id+"/photos", "group.jpg", []byte("jpg"), memberId)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("missing file", func(t *testing.T) {
		rr := app.do(t, http.MethodPost, "/api/profile/picture", map[string]string{"file": "x"}, memberId)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func Test_profile(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/api/profile", nil, memberId)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, memberId, decodeBody[*types.Profile](t, rr).UserId, "expected an empty profile for new users")

	in := meetup.ProfileInput{Name: "Eli", Bio: "likes hikes", University: "State", Age: 21}
	rr = app.do(t, http.MethodPut, "/api/profile", in, memberId)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = app.do(t, http.MethodGet, "/api/profile", nil, memberId)
	p := decodeBody[*types.Profile](t, rr)
	assert.Equal(t, "Eli", p.Name)
	assert.Equal(t, 21, p.Age)

	in.Age = -1
	rr = app.do(t, http.MethodPut, "/api/profile", in, memberId)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func Test_listTags(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/api/tags", nil, memberId)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())

	require.NoError(t, app.svc.SeedTags(context.Background(), []*types.Tag{
		{Id: "music", Name: "Music"},
		{Id: "art", Name: "Art"},
	}))
	rr = app.do(t, http.MethodGet, "/api/tags", nil, memberId)
	tags := decodeBody[[]*types.Tag](t, rr)
	require.Len(t, tags, 2)
	assert.Equal(t, "Art", tags[0].Name)
}

func triggerRequest(app *testApp, target string, body any, token string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(mustJson(body)))
	if token != "" {
		req.Header.Set(triggerTokenHeader, token)
	}
	app.Handler().ServeHTTP(rr, req)
	return rr
}

func Test_triggers(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	ev := app.createEvent(t, hostId)

	// an attendee written directly, bypassing the membership service
	require.NoError(t, app.store.Set(ctx, types.MembershipPath(ev.Id, types.StatusAccepted, memberId), map[string]any{
		"userId":      memberId,
		"eventId":     ev.Id,
		"requestedAt": types.Now().String(),
	}))
	created := meetup.TriggerEvent{Value: meetup.TriggerValue{
		Name: "projects/p/databases/(default)/documents/" + types.MembershipPath(ev.Id, types.StatusAccepted, memberId),
	}}

	t.Run("rejects missing token", func(t *testing.T) {
		rr := triggerRequest(app, "/triggers/attendee-created", created, "")
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		rr := triggerRequest(app, "/triggers/attendee-created", created, "guess")
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("attendee created joins the chat", func(t *testing.T) {
		rr := triggerRequest(app, "/triggers/attendee-created", created, testTriggerToken)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		chat := decodeBody[*types.Chat](t, rr)
		assert.Equal(t, []string{hostId, memberId}, chat.Participants)

		// redelivery does not duplicate the participant
		rr = triggerRequest(app, "/triggers/attendee-created", created, testTriggerToken)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{hostId, memberId}, decodeBody[*types.Chat](t, rr).Participants)
	})

	t.Run("unsupported document", func(t *testing.T) {
		bad := meetup.TriggerEvent{Value: meetup.TriggerValue{Name: types.MembershipPath(ev.Id, types.StatusPending, memberId)}}
		rr := triggerRequest(app, "/triggers/attendee-created", bad, testTriggerToken)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	deleted := meetup.TriggerEvent{OldValue: meetup.TriggerValue{Name: types.EventPath(ev.Id)}}

	t.Run("event still exists", func(t *testing.T) {
		rr := triggerRequest(app, "/triggers/event-deleted", deleted, testTriggerToken)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, 1, app.store.Len(types.MembershipCollection(ev.Id, types.StatusAccepted)))
	})

	t.Run("event deleted runs the cascade", func(t *testing.T) {
		require.NoError(t, app.store.Delete(ctx, types.EventPath(ev.Id)))
		rr := triggerRequest(app, "/triggers/event-deleted", deleted, testTriggerToken)
		require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
		assert.Equal(t, 0, app.store.Len(types.MembershipCollection(ev.Id, types.StatusAccepted)))
		assert.Equal(t, 0, app.store.Len(types.MessagesCollection(ev.Id)))
	})
}

func Test_serveWs(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	acc, err := app.svc.CreateAccount(ctx, "fay@example.com", "hash")
	require.NoError(t, err)

	ev := app.createEvent(t, acc.Id)
	_, err = app.svc.RSVP(ctx, ev.Id, memberId)
	require.NoError(t, err)
	_, _, err = app.svc.Accept(ctx, ev.Id, acc.Id, memberId)
	require.NoError(t, err)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("unauthenticated", func(t *testing.T) {
		_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, res)
		assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+app.token(t, acc.Id))
		hdr.Set("Origin", "http://evil.example")
		_, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
		assert.Error(t, err)
	})

	t.Run("join and receive messages", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+app.token(t, acc.Id))
		hdr.Set("Origin", "http://localhost:3000")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(server.ClientMessage{
			BaseMessage: server.BaseMessage{Id: 1},
			Join:        &server.Join{ChatId: ev.Id},
		}))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var res server.ServerMessage
		require.NoError(t, conn.ReadJSON(&res))
		require.NotNil(t, res.Response)
		assert.Equal(t, 1, res.Id)
		assert.Equal(t, http.StatusOK, res.Response.ResponseCode)

		_, err = app.svc.SendMessage(ctx, ev.Id, memberId, "on my way")
		require.NoError(t, err)

		var msg server.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotNil(t, msg.Message)
		assert.Equal(t, "on my way", msg.Message.Text)
	})
}
