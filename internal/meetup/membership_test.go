package meetup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSVP(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")

	m, err := s.RSVP(ctx, ev.Id, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, m.Status)
	assert.True(t, exists(t, store, types.MembershipPath(ev.Id, types.StatusPending, "u1")))
	assert.True(t, exists(t, store, types.RsvpedUserPath(ev.Id, "u1")))
	assert.True(t, exists(t, store, types.RsvpPointerPath("u1", ev.Id)))

	again, err := s.RSVP(ctx, ev.Id, "u1")
	require.NoError(t, err, "expected repeated rsvp to be idempotent")
	assert.Equal(t, m.RequestedAt.String(), again.RequestedAt.String())

	_, err = s.RSVP(ctx, ev.Id, "h1")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.RSVP(ctx, "missing", "u1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	off := false
	_, err = s.UpdateEvent(ctx, "h1", ev.Id, EventUpdate{Active: &off})
	require.NoError(t, err)
	_, err = s.RSVP(ctx, ev.Id, "u2")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestRSVPAfterDecision(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")
	rsvp(t, s, ev.Id, "u1")
	_, err := s.Decline(ctx, ev.Id, "h1", "u1")
	require.NoError(t, err)

	m, err := s.RSVP(ctx, ev.Id, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, m.Status, "expected a declined user to stay declined")
}

func TestAccept(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "H")
	rsvp(t, s, ev.Id, "U1")

	m, chat, err := s.Accept(ctx, ev.Id, "H", "U1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, m.Status)
	require.NotNil(t, m.AcceptedAt)

	assert.False(t, exists(t, store, types.MembershipPath(ev.Id, types.StatusPending, "U1")))
	doc, err := store.Get(ctx, types.MembershipPath(ev.Id, types.StatusAccepted, "U1"))
	require.NoError(t, err)
	assert.Contains(t, doc.Data, "acceptedAt")
	assert.NotContains(t, doc.Data, "status", "expected status to be implied by the collection")

	assert.Equal(t, []string{"H", "U1"}, chat.Participants)
	stored, err := getChat(ctx, store, ev.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"H", "U1"}, stored.Participants)
	assert.Equal(t, ev.Id, stored.EventId)

	msgs, err := store.List(ctx, types.MessagesCollection(ev.Id), database.Query{})
	require.NoError(t, err)
	require.Len(t, msgs, 1, "expected a single welcome message")
	assert.Equal(t, true, msgs[0].Data["system"])
	assert.Equal(t, types.SystemSender, msgs[0].Data["senderId"])
}

func TestAcceptErrors(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")
	rsvp(t, s, ev.Id, "u1")

	tcases := []struct {
		name    string
		host    string
		user    string
		wantErr error
	}{
		{name: "not the host", host: "u2", user: "u1", wantErr: ErrForbidden},
		{name: "no pending request", host: "h1", user: "u9", wantErr: ErrNotPending},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.Accept(ctx, ev.Id, tc.host, tc.user)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	assert.True(t, exists(t, store, types.MembershipPath(ev.Id, types.StatusPending, "u1")))
	assert.False(t, exists(t, store, types.ChatPath(ev.Id)), "expected failed accepts to leave no chat behind")
}

func TestAcceptSecondUser(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")
	rsvp(t, s, ev.Id, "u1", "u2")

	_, first, err := s.Accept(ctx, ev.Id, "h1", "u1")
	require.NoError(t, err)
	_, second, err := s.Accept(ctx, ev.Id, "h1", "u2")
	require.NoError(t, err)

	assert.Equal(t, []string{"h1", "u1", "u2"}, second.Participants)
	assert.Equal(t, first.CreatedAt.String(), second.CreatedAt.String(), "expected createdAt to be preserved")

	// a replayed join must not duplicate the participant
	chat, err := s.JoinChat(ctx, ev.Id, "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "u1", "u2"}, chat.Participants)
	assert.Equal(t, 2, store.Len(types.MessagesCollection(ev.Id)))
}

func TestDecline(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")
	rsvp(t, s, ev.Id, "u1")

	m, err := s.Decline(ctx, ev.Id, "h1", "u1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, m.Status)
	require.NotNil(t, m.DeclinedAt)
	assert.False(t, exists(t, store, types.MembershipPath(ev.Id, types.StatusPending, "u1")))
	assert.True(t, exists(t, store, types.MembershipPath(ev.Id, types.StatusRejected, "u1")))
	assert.False(t, exists(t, store, types.ChatPath(ev.Id)))

	_, _, err = s.Accept(ctx, ev.Id, "h1", "u1")
	assert.ErrorIs(t, err, ErrNotPending, "expected rejected to be terminal")
}

func TestConcurrentAcceptDecline(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")

	const users = 20
	for i := 0; i < users; i++ {
		rsvp(t, s, ev.Id, fmt.Sprintf("u%d", i))
	}

	for i := 0; i < users; i++ {
		user := fmt.Sprintf("u%d", i)
		var (
			wg                   sync.WaitGroup
			acceptErr, declineErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, acceptErr = s.Accept(ctx, ev.Id, "h1", user)
		}()
		go func() {
			defer wg.Done()
			_, declineErr = s.Decline(ctx, ev.Id, "h1", user)
		}()
		wg.Wait()

		if acceptErr == nil {
			assert.ErrorIs(t, declineErr, ErrNotPending, user)
		} else {
			assert.NoError(t, declineErr, user)
			assert.ErrorIs(t, acceptErr, ErrNotPending, user)
		}

		accepted := exists(t, store, types.MembershipPath(ev.Id, types.StatusAccepted, user))
		declined := exists(t, store, types.MembershipPath(ev.Id, types.StatusRejected, user))
		assert.False(t, exists(t, store, types.MembershipPath(ev.Id, types.StatusPending, user)), user)
		assert.True(t, accepted != declined, "expected %s in exactly one terminal collection", user)
		assert.Equal(t, accepted, acceptErr == nil, user)
	}

	members, err := s.Members(ctx, ev.Id)
	require.NoError(t, err)
	assert.Empty(t, members.Pending)
	assert.Equal(t, users, len(members.Accepted)+len(members.Rejected))

	chat, err := getChat(ctx, store, ev.Id)
	if len(members.Accepted) == 0 {
		assert.True(t, errors.Is(err, database.ErrNotFound))
		return
	}
	require.NoError(t, err)
	assert.Len(t, chat.Participants, len(members.Accepted)+1, "expected only accepted users in the chat")
}

func TestMembers(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")
	rsvp(t, s, ev.Id, "u1", "u2", "u3")
	_, _, err := s.Accept(ctx, ev.Id, "h1", "u1")
	require.NoError(t, err)
	_, err = s.Decline(ctx, ev.Id, "h1", "u2")
	require.NoError(t, err)

	members, err := s.Members(ctx, ev.Id)
	require.NoError(t, err)
	require.Len(t, members.Pending, 1)
	require.Len(t, members.Accepted, 1)
	require.Len(t, members.Rejected, 1)
	assert.Equal(t, "u3", members.Pending[0].UserId)
	assert.Equal(t, "u1", members.Accepted[0].UserId)
	assert.Equal(t, "u2", members.Rejected[0].UserId)
}

func TestPass(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	ev := createTestEvent(t, s, "h1")

	require.NoError(t, s.Pass(ctx, ev.Id, "u1"))
	assert.True(t, exists(t, store, types.PassPath("u1", ev.Id)))
	assert.ErrorIs(t, s.Pass(ctx, "missing", "u1"), database.ErrNotFound)
}
