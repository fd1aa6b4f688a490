package meetup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
)

// ErrUnsupportedTrigger reports a trigger payload for a document the
// handler does not react to.
var ErrUnsupportedTrigger = errors.New("unsupported trigger document")

// TriggerEvent is the payload of a document trigger delivery.
type TriggerEvent struct {
	OldValue TriggerValue `json:"oldValue"`
	Value    TriggerValue `json:"value"`
}

type TriggerValue struct {
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields"`
	CreateTime time.Time      `json:"createTime"`
	UpdateTime time.Time      `json:"updateTime"`
}

// documentPath strips any resource prefix up to "/documents/" from a
// trigger document name.
func documentPath(name string) string {
	if i := strings.Index(name, "/documents/"); i >= 0 {
		name = name[i+len("/documents/"):]
	}
	return strings.Trim(name, "/")
}

// OnAttendeeCreated reacts to the creation of live/{eventId}/attendees/{userId}
// by joining the user to the event chat. Repeated deliveries are harmless.
func (s *Service) OnAttendeeCreated(ctx context.Context, ev TriggerEvent) (*types.Chat, error) {
	segs := strings.Split(documentPath(ev.Value.Name), "/")
	if len(segs) != 4 || segs[0] != types.EventsCollection || segs[2] != types.StatusAccepted.Collection() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTrigger, ev.Value.Name)
	}
	eventId, userId := segs[1], segs[3]

	// the attendee may have been removed between the write and this
	// delivery
	if _, err := s.store.Get(ctx, types.MembershipPath(eventId, types.StatusAccepted, userId)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.log.Printf("attendee %s of %s is gone, skipping chat join", userId, eventId)
			return nil, nil
		}
		return nil, err
	}
	return s.JoinChat(ctx, eventId, userId)
}

// OnEventDeleted runs the cascade for a deleted event.
func (s *Service) OnEventDeleted(ctx context.Context, eventId string) error {
	return s.Cascade(ctx, eventId)
}

// OnEventDeletedTrigger is OnEventDeleted for a live/{eventId} delete
// delivery.
func (s *Service) OnEventDeletedTrigger(ctx context.Context, ev TriggerEvent) error {
	segs := strings.Split(documentPath(ev.OldValue.Name), "/")
	if len(segs) != 2 || segs[0] != types.EventsCollection {
		return fmt.Errorf("%w: %q", ErrUnsupportedTrigger, ev.OldValue.Name)
	}
	eventId := segs[1]

	_, err := s.store.Get(ctx, types.EventPath(eventId))
	switch {
	case err == nil:
		return fmt.Errorf("%w: event %s still exists", ErrUnsupportedTrigger, eventId)
	case !errors.Is(err, database.ErrNotFound):
		return err
	}
	return s.OnEventDeleted(ctx, eventId)
}
