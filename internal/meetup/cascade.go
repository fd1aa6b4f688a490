package meetup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
	"golang.org/x/sync/errgroup"
)

// deleteCollection removes every document of coll in batches of at most
// s.batchSize, looping until a batch comes back empty. each, when set, runs
// inside the batch transaction for every document before it is deleted.
func (s *Service) deleteCollection(ctx context.Context, coll string, each func(ctx context.Context, tx database.Tx, doc *database.Document) error) (int, error) {
	total := 0
	for {
		docs, err := s.store.List(ctx, coll, database.Query{Limit: s.batchSize})
		if err != nil {
			return total, fmt.Errorf("list %s: %w", coll, err)
		}
		if len(docs) == 0 {
			return total, nil
		}

		err = s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
			for _, doc := range docs {
				if each != nil {
					if err := each(ctx, tx, doc); err != nil {
						return err
					}
				}
				if err := tx.Delete(ctx, doc.Path); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("delete batch of %s: %w", coll, err)
		}
		total += len(docs)
	}
}

// Cascade removes everything that hangs off a deleted event: its
// membership subcollections, its chat with messages and seen flags, the
// rsvp pointers of every user who RSVP'd and its stored pictures. The
// branches run in parallel and a failing branch does not stop the others;
// all failures are logged and returned together. Nothing is retried.
func (s *Service) Cascade(ctx context.Context, eventId string) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	fail := func(what string, err error) {
		s.log.Printf("cascade %s: %s: %v", eventId, what, err)
		mu.Lock()
		result = multierror.Append(result, fmt.Errorf("%s: %w", what, err))
		mu.Unlock()
	}
	purge := func(coll string, each func(ctx context.Context, tx database.Tx, doc *database.Document) error) {
		n, err := s.deleteCollection(ctx, coll, each)
		if err != nil {
			fail(coll, err)
			return
		}
		if n > 0 {
			s.log.Printf("cascade %s: removed %d documents from %s", eventId, n, coll)
		}
	}

	var g errgroup.Group
	for _, st := range types.MembershipStatuses {
		g.Go(func() error {
			purge(types.MembershipCollection(eventId, st), nil)
			return nil
		})
	}
	g.Go(func() error {
		purge(types.MessagesCollection(eventId), nil)
		purge(types.SeenCollection(eventId), nil)
		if err := s.store.Delete(ctx, types.ChatPath(eventId)); err != nil && !errors.Is(err, database.ErrNotFound) {
			fail(types.ChatPath(eventId), err)
		}
		return nil
	})
	g.Go(func() error {
		purge(types.RsvpedUsersCollection(eventId), func(ctx context.Context, tx database.Tx, doc *database.Document) error {
			return tx.Delete(ctx, types.RsvpPointerPath(doc.ID, eventId))
		})
		return nil
	})
	if s.objects != nil {
		g.Go(func() error {
			prefix := types.EventPicPrefix(eventId)
			if _, err := s.objects.DeletePrefix(ctx, prefix); err != nil {
				fail(prefix, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := result.ErrorOrNil(); err != nil {
		s.stats.Incr(CascadeFailuresMetric)
		return err
	}
	return nil
}
