package meetup

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/storage"
	"github.com/npezzotti/go-meetup/internal/testutil"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *database.MemoryStore, *storage.MemoryService) {
	t.Helper()
	su := stats.NewMockStatsUpdater()

	store := database.NewMemoryStore()
	objects := storage.NewMemoryService("http://objects.test")
	return NewService(testutil.TestLogger(t), store, objects, su), store, objects
}

func createTestEvent(t *testing.T, s *Service, host string, tags ...string) *types.Event {
	t.Helper()
	ev, err := s.CreateEvent(context.Background(), host, EventInput{
		Title:     "Sunset hike",
		Location:  "Twin Peaks",
		Date:      types.NewTimestamp(time.Now().Add(48 * time.Hour)),
		GroupSize: 6,
		Tags:      tags,
	})
	require.NoError(t, err)
	return ev
}

func rsvp(t *testing.T, s *Service, eventId string, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := s.RSVP(context.Background(), eventId, u)
		require.NoError(t, err)
	}
}

func exists(t *testing.T, store database.Store, docPath string) bool {
	t.Helper()
	_, err := store.Get(context.Background(), docPath)
	return err == nil
}
