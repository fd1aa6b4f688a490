package meetup

import (
	"context"
	"fmt"
	"io"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/storage"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/teris-io/shortid"
)

type EventInput struct {
	Title       string          `json:"title"`
	Location    string          `json:"location"`
	Date        types.Timestamp `json:"date"`
	GroupSize   int             `json:"groupSize"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
}

// EventUpdate carries a partial edit; nil fields are left untouched.
type EventUpdate struct {
	Title       *string          `json:"title"`
	Location    *string          `json:"location"`
	Date        *types.Timestamp `json:"date"`
	GroupSize   *int             `json:"groupSize"`
	Description *string          `json:"description"`
	Tags        []string         `json:"tags"`
	Active      *bool            `json:"active"`
}

func (u EventUpdate) apply(ev *types.Event) {
	if u.Title != nil {
		ev.Title = *u.Title
	}
	if u.Location != nil {
		ev.Location = *u.Location
	}
	if u.Date != nil {
		ev.Date = *u.Date
	}
	if u.GroupSize != nil {
		ev.GroupSize = *u.GroupSize
	}
	if u.Description != nil {
		ev.Description = *u.Description
	}
	if u.Tags != nil {
		ev.Tags = u.Tags
	}
	if u.Active != nil {
		ev.Active = *u.Active
	}
}

func invalidEvent(err error) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, err)
}

func (s *Service) CreateEvent(ctx context.Context, host string, in EventInput) (*types.Event, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	ev := &types.Event{
		Id:          id,
		Title:       in.Title,
		Location:    in.Location,
		Date:        in.Date,
		GroupSize:   in.GroupSize,
		Description: in.Description,
		Tags:        in.Tags,
		Photos:      []string{},
		Host:        host,
		Active:      true,
		CreatedAt:   types.Now(),
	}
	if ev.Tags == nil {
		ev.Tags = []string{}
	}
	data, err := types.ToData(ev)
	if err != nil {
		return nil, invalidEvent(err)
	}
	if err := s.store.Create(ctx, types.EventPath(id), data); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	s.stats.Incr(EventsCreatedMetric)
	s.log.Printf("event %s created by %s", id, host)
	return ev, nil
}

func getEvent(ctx context.Context, r database.Reader, eventId string) (*types.Event, error) {
	doc, err := r.Get(ctx, types.EventPath(eventId))
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventId, err)
	}
	return types.Decode[types.Event](doc)
}

func (s *Service) Event(ctx context.Context, eventId string) (*types.Event, error) {
	return getEvent(ctx, s.store, eventId)
}

// UpdateEvent applies a host edit to the event.
func (s *Service) UpdateEvent(ctx context.Context, userId, eventId string, u EventUpdate) (*types.Event, error) {
	var ev *types.Event
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		var err error
		ev, err = getEvent(ctx, tx, eventId)
		if err != nil {
			return err
		}
		if ev.Host != userId {
			return ErrForbidden
		}
		u.apply(ev)
		data, err := types.ToData(ev)
		if err != nil {
			return invalidEvent(err)
		}
		return tx.Set(ctx, types.EventPath(eventId), data)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// DeleteEvent removes the event and cascades the removal to its dependent
// documents. Cascade failures are logged and do not fail the delete.
func (s *Service) DeleteEvent(ctx context.Context, userId, eventId string) error {
	ev, err := getEvent(ctx, s.store, eventId)
	if err != nil {
		return err
	}
	if ev.Host != userId {
		return ErrForbidden
	}
	if err := s.store.Delete(ctx, types.EventPath(eventId)); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	s.stats.Incr(EventsDeletedMetric)

	if err := s.OnEventDeleted(ctx, eventId); err != nil {
		s.log.Printf("event %s deleted with incomplete cleanup: %v", eventId, err)
	}
	return nil
}

func (s *Service) decodeEvents(docs []*database.Document) []*types.Event {
	events := make([]*types.Event, 0, len(docs))
	for _, doc := range docs {
		ev, err := types.Decode[types.Event](doc)
		if err != nil {
			s.log.Printf("skipping event: %v", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (s *Service) HostedEvents(ctx context.Context, userId string) ([]*types.Event, error) {
	docs, err := s.store.List(ctx, types.EventsCollection, database.Query{OrderBy: "date"}.WhereEqual("host", userId))
	if err != nil {
		return nil, fmt.Errorf("list hosted events: %w", err)
	}
	return s.decodeEvents(docs), nil
}

// Discover lists active events the user has not hosted, RSVP'd to or
// passed on, soonest first. A non-empty tag narrows the result.
func (s *Service) Discover(ctx context.Context, userId, tag string) ([]*types.Event, error) {
	q := database.Query{OrderBy: "date"}.WhereEqual("active", true)
	if tag != "" {
		q = q.WhereContains("tags", tag)
	}
	docs, err := s.store.List(ctx, types.EventsCollection, q)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	seen := make(map[string]struct{})
	for _, coll := range []string{types.RsvpPointersCollection(userId), types.PassesCollection(userId)} {
		markers, err := s.store.List(ctx, coll, database.Query{})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", coll, err)
		}
		for _, m := range markers {
			seen[m.ID] = struct{}{}
		}
	}

	var events []*types.Event
	for _, ev := range s.decodeEvents(docs) {
		if _, ok := seen[ev.Id]; ok || ev.Host == userId {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// AddEventPhoto stores an image under the event's picture prefix and
// appends its URL to the event.
func (s *Service) AddEventPhoto(ctx context.Context, userId, eventId, filename, contentType string, body io.Reader, size int64) (*types.Event, error) {
	ev, err := getEvent(ctx, s.store, eventId)
	if err != nil {
		return nil, err
	}
	if ev.Host != userId {
		return nil, ErrForbidden
	}

	key := types.EventPicKey(eventId, objectName(filename))
	url, err := s.objects.PutObject(ctx, storage.UploadInput{Key: key, ContentType: contentType, Body: body, Size: size})
	if err != nil {
		return nil, fmt.Errorf("upload event photo: %w", err)
	}

	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		ev, err = getEvent(ctx, tx, eventId)
		if err != nil {
			return err
		}
		ev.Photos = append(ev.Photos, url)
		data, err := types.ToData(ev)
		if err != nil {
			return invalidEvent(err)
		}
		return tx.Set(ctx, types.EventPath(eventId), data)
	})
	if err != nil {
		if derr := s.objects.DeleteObject(ctx, key); derr != nil {
			s.log.Printf("remove orphaned photo %s: %v", key, derr)
		}
		return nil, fmt.Errorf("add event photo: %w", err)
	}
	return ev, nil
}
