package hub

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/testutil"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, store database.Store, docPath string, rec types.Record) {
	t.Helper()
	data, err := types.ToData(rec)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), docPath, data))
}

func putEvent(t *testing.T, store database.Store, id, host string) {
	t.Helper()
	put(t, store, types.EventPath(id), &types.Event{
		Title:     id,
		Host:      host,
		GroupSize: 4,
		Date:      types.Now(),
		Active:    true,
	})
}

func putMember(t *testing.T, store database.Store, eventId string, status types.MembershipStatus, userId string) {
	t.Helper()
	put(t, store, types.MembershipPath(eventId, status, userId), &types.Membership{
		UserId:      userId,
		EventId:     eventId,
		RequestedAt: types.Now(),
	})
}

// waitView reads published views until one satisfies cond.
func waitView(t *testing.T, views <-chan View, cond func(View) bool) View {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if cond(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timeout waiting for view")
			return nil
		}
	}
}

func ids(members []types.Member) []string {
	out := []string{}
	for _, m := range members {
		out = append(out, m.UserId)
	}
	return out
}

func newTestReconciler(t *testing.T, store database.Store, userId string) (*Reconciler, <-chan View) {
	t.Helper()
	profiles, err := NewProfileCache(64, func(ctx context.Context, userId string) (*types.Profile, error) {
		doc, err := store.Get(ctx, types.ProfilePath(userId))
		if err != nil {
			return nil, err
		}
		return types.Decode[types.Profile](doc)
	})
	require.NoError(t, err)

	views := make(chan View, 1024)
	r := NewReconciler(testutil.TestLogger(t), store, userId, profiles, func(v View) {
		views <- v
	})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Close)
	return r, views
}

func seedStore(t *testing.T) *database.MemoryStore {
	t.Helper()
	store := database.NewMemoryStore()

	putEvent(t, store, "e1", "h")
	putMember(t, store, "e1", types.StatusPending, "u1")
	putMember(t, store, "e1", types.StatusAccepted, "u2")
	put(t, store, types.ProfilePath("u2"), &types.Profile{UserId: "u2", Name: "Kim"})

	putEvent(t, store, "e2", "other")
	putMember(t, store, "e2", types.StatusRejected, "u3")
	putMember(t, store, "e2", types.StatusAccepted, "u4")
	putMember(t, store, "e2", types.StatusPending, "h")
	put(t, store, types.RsvpPointerPath("h", "e2"), &types.RsvpPointer{EventId: "e2", CreatedAt: types.Now()})

	putEvent(t, store, "e9", "stranger")
	putMember(t, store, "e9", types.StatusPending, "u1")
	return store
}

func TestReconcilerInitialView(t *testing.T) {
	store := seedStore(t)
	_, views := newTestReconciler(t, store, "h")

	v := waitView(t, views, func(v View) bool {
		return len(v) == 2 && len(v["e1"].Pending) == 1 && len(v["e1"].Accepted) == 1 &&
			len(v["e2"].Accepted) == 1 && len(v["e2"].Pending) == 1
	})
	assert.Equal(t, []string{"u1"}, ids(v["e1"].Pending))
	assert.Equal(t, []string{"u2"}, ids(v["e1"].Accepted))
	require.NotNil(t, v["e1"].Accepted[0].Profile)
	assert.Equal(t, "Kim", v["e1"].Accepted[0].Profile.Name)
	assert.Nil(t, v["e1"].Pending[0].Profile, "expected members without a profile to have none")
	assert.Equal(t, []string{"u4"}, ids(v["e2"].Accepted))
	assert.Equal(t, []string{"h"}, ids(v["e2"].Pending), "expected attendees to see their own request")
	assert.Empty(t, v["e2"].Rejected, "expected other requests to be hidden from non-hosts")
	assert.NotContains(t, v, "e9", "expected unrelated events to be ignored")

	assert.Equal(t, 2+2*len(types.MembershipStatuses), store.WatchCount())
}

func TestReconcilerPatches(t *testing.T) {
	store := seedStore(t)
	_, views := newTestReconciler(t, store, "h")
	waitView(t, views, func(v View) bool { return len(v) == 2 && len(v["e1"].Pending) == 1 })

	// pending -> accepted, as the membership workflow does it
	ctx := context.Background()
	err := store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		doc, err := tx.Get(ctx, types.MembershipPath("e1", types.StatusPending, "u1"))
		if err != nil {
			return err
		}
		doc.Data["acceptedAt"] = types.Now().String()
		if err := tx.Set(ctx, types.MembershipPath("e1", types.StatusAccepted, "u1"), doc.Data); err != nil {
			return err
		}
		return tx.Delete(ctx, types.MembershipPath("e1", types.StatusPending, "u1"))
	})
	require.NoError(t, err)

	v := waitView(t, views, func(v View) bool {
		return len(v["e1"].Pending) == 0 && len(v["e1"].Accepted) == 2
	})
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids(v["e1"].Accepted))

	putMember(t, store, "e1", types.StatusPending, "u4")
	waitView(t, views, func(v View) bool { return assert.ObjectsAreEqual([]string{"u4"}, ids(v["e1"].Pending)) })
}

func TestReconcilerReleasesSubscriptions(t *testing.T) {
	store := seedStore(t)
	r, views := newTestReconciler(t, store, "h")
	ctx := context.Background()
	perEvent := len(types.MembershipStatuses)

	waitView(t, views, func(v View) bool { return len(v) == 2 })
	require.Equal(t, 2+2*perEvent, store.WatchCount())

	// the rsvp pointer goes away: e2 leaves the watched set
	require.NoError(t, store.Delete(ctx, types.RsvpPointerPath("h", "e2")))
	v := waitView(t, views, func(v View) bool { return len(v) == 1 })
	assert.Contains(t, v, "e1")
	assert.Eventually(t, func() bool { return store.WatchCount() == 2+perEvent }, time.Second, 10*time.Millisecond,
		"expected the subscriptions of e2 to be released")

	// changes to a released event are not reflected
	putMember(t, store, "e2", types.StatusPending, "u5")

	// a newly hosted event is picked up
	putEvent(t, store, "e3", "h")
	v = waitView(t, views, func(v View) bool { return len(v) == 2 })
	assert.Contains(t, v, "e3")
	assert.NotContains(t, v, "e2")
	assert.Equal(t, 2+2*perEvent, store.WatchCount())

	r.Close()
	assert.Equal(t, 0, store.WatchCount(), "expected close to release every watch")

	for len(views) > 0 {
		<-views
	}
	putMember(t, store, "e1", types.StatusPending, "u6")
	select {
	case <-views:
		t.Fatal("expected no view after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconcilerStopsOnContext(t *testing.T) {
	store := seedStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconciler(testutil.TestLogger(t), store, "h", nil, nil)
	require.NoError(t, r.Start(ctx))

	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("expected reconciler to stop with its context")
	}
	assert.Eventually(t, func() bool { return store.WatchCount() == 0 }, time.Second, 10*time.Millisecond)
	r.Close()
}

func TestCloseBeforeStart(t *testing.T) {
	r := NewReconciler(testutil.TestLogger(t), database.NewMemoryStore(), "h", nil, nil)
	r.Close()
}

func TestReconcilerNonHostScope(t *testing.T) {
	store := database.NewMemoryStore()
	putEvent(t, store, "e1", "h")
	putMember(t, store, "e1", types.StatusAccepted, "u1")
	putMember(t, store, "e1", types.StatusPending, "u2")
	putMember(t, store, "e1", types.StatusRejected, "u3")
	putMember(t, store, "e1", types.StatusPending, "me")
	put(t, store, types.RsvpPointerPath("me", "e1"), &types.RsvpPointer{EventId: "e1", CreatedAt: types.Now()})

	_, views := newTestReconciler(t, store, "me")
	v := waitView(t, views, func(v View) bool {
		return len(v) == 1 && len(v["e1"].Accepted) == 1 && len(v["e1"].Pending) == 1
	})
	assert.Equal(t, []string{"u1"}, ids(v["e1"].Accepted))
	assert.Equal(t, []string{"me"}, ids(v["e1"].Pending))
	assert.Empty(t, v["e1"].Rejected)

	// later requests of other users stay hidden, the viewer's own move is shown
	putMember(t, store, "e1", types.StatusPending, "u4")
	ctx := context.Background()
	err := store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		doc, err := tx.Get(ctx, types.MembershipPath("e1", types.StatusPending, "me"))
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, types.MembershipPath("e1", types.StatusAccepted, "me"), doc.Data); err != nil {
			return err
		}
		return tx.Delete(ctx, types.MembershipPath("e1", types.StatusPending, "me"))
	})
	require.NoError(t, err)

	v = waitView(t, views, func(v View) bool {
		return len(v["e1"].Accepted) == 2 && len(v["e1"].Pending) == 0
	})
	assert.ElementsMatch(t, []string{"u1", "me"}, ids(v["e1"].Accepted))
	assert.Empty(t, v["e1"].Pending, "expected other pending requests to stay hidden")
}
