package meetup

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
)

func getMembership(ctx context.Context, r database.Reader, eventId string, status types.MembershipStatus, userId string) (*types.Membership, error) {
	doc, err := r.Get(ctx, types.MembershipPath(eventId, status, userId))
	if err != nil {
		return nil, err
	}
	m, err := types.Decode[types.Membership](doc)
	if err != nil {
		return nil, err
	}
	m.Status = status
	return m, nil
}

func membershipData(m *types.Membership) (map[string]any, error) {
	stored := *m
	stored.Status = ""
	return types.ToData(&stored)
}

// RSVP files a pending membership request for the user. The pending
// document, the event's rsvpedUsers marker and the user's rsvp pointer are
// written together. Calling it again returns the existing membership.
func (s *Service) RSVP(ctx context.Context, eventId, userId string) (*types.Membership, error) {
	var (
		m       *types.Membership
		created bool
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		created = false
		ev, err := getEvent(ctx, tx, eventId)
		if err != nil {
			return err
		}
		if ev.Host == userId {
			return fmt.Errorf("%w: host cannot rsvp to own event", ErrForbidden)
		}
		if !ev.Active {
			return ErrInactive
		}

		for _, st := range types.MembershipStatuses {
			m, err = getMembership(ctx, tx, eventId, st, userId)
			if err == nil {
				return nil
			}
			if !errors.Is(err, database.ErrNotFound) {
				return err
			}
		}

		now := types.Now()
		m = &types.Membership{UserId: userId, EventId: eventId, RequestedAt: now}
		data, err := membershipData(m)
		if err != nil {
			return err
		}
		if err := tx.Create(ctx, types.MembershipPath(eventId, types.StatusPending, userId), data); err != nil {
			return err
		}
		marker, err := types.ToData(&types.RsvpMarker{UserId: userId, RsvpedAt: now})
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, types.RsvpedUserPath(eventId, userId), marker); err != nil {
			return err
		}
		pointer, err := types.ToData(&types.RsvpPointer{EventId: eventId, CreatedAt: now})
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, types.RsvpPointerPath(userId, eventId), pointer); err != nil {
			return err
		}
		m.Status = types.StatusPending
		created = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rsvp %s: %w", eventId, err)
	}
	if created {
		s.stats.Incr(RsvpsMetric)
	}
	return m, nil
}

// Pass records that the user swiped left on the event.
func (s *Service) Pass(ctx context.Context, eventId, userId string) error {
	if _, err := getEvent(ctx, s.store, eventId); err != nil {
		return err
	}
	data, err := types.ToData(&types.Pass{EventId: eventId, CreatedAt: types.Now()})
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, types.PassPath(userId, eventId), data); err != nil {
		return fmt.Errorf("pass %s: %w", eventId, err)
	}
	return nil
}

// transition moves a pending membership to the target status. It fails with
// ErrNotPending when the pending document is gone, leaving the store
// untouched.
func transition(ctx context.Context, tx database.Tx, ev *types.Event, userId string, to types.MembershipStatus) (*types.Membership, error) {
	m, err := getMembership(ctx, tx, ev.Id, types.StatusPending, userId)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, err
	}

	now := types.Now()
	switch to {
	case types.StatusAccepted:
		m.AcceptedAt = &now
	case types.StatusRejected:
		m.DeclinedAt = &now
	}
	data, err := membershipData(m)
	if err != nil {
		return nil, err
	}
	if err := tx.Set(ctx, types.MembershipPath(ev.Id, to, userId), data); err != nil {
		return nil, err
	}
	if err := tx.Delete(ctx, types.MembershipPath(ev.Id, types.StatusPending, userId)); err != nil {
		return nil, err
	}
	m.Status = to
	return m, nil
}

func hostedEvent(ctx context.Context, tx database.Tx, eventId, hostId string) (*types.Event, error) {
	ev, err := getEvent(ctx, tx, eventId)
	if err != nil {
		return nil, err
	}
	if ev.Host != hostId {
		return nil, ErrForbidden
	}
	return ev, nil
}

// Accept admits a pending user and joins them to the event chat in the same
// transaction.
func (s *Service) Accept(ctx context.Context, eventId, hostId, userId string) (*types.Membership, *types.Chat, error) {
	var (
		m    *types.Membership
		chat *types.Chat
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		ev, err := hostedEvent(ctx, tx, eventId, hostId)
		if err != nil {
			return err
		}
		if m, err = transition(ctx, tx, ev, userId, types.StatusAccepted); err != nil {
			return err
		}
		chat, err = joinChat(ctx, tx, ev, userId)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("accept %s in %s: %w", userId, eventId, err)
	}

	s.stats.Incr(MembershipsAcceptedMetric)
	s.log.Printf("user %s accepted into event %s", userId, eventId)
	return m, chat, nil
}

func (s *Service) Decline(ctx context.Context, eventId, hostId, userId string) (*types.Membership, error) {
	var m *types.Membership
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		ev, err := hostedEvent(ctx, tx, eventId, hostId)
		if err != nil {
			return err
		}
		m, err = transition(ctx, tx, ev, userId, types.StatusRejected)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decline %s in %s: %w", userId, eventId, err)
	}

	s.stats.Incr(MembershipsDeclinedMetric)
	s.log.Printf("user %s declined from event %s", userId, eventId)
	return m, nil
}

// Members returns the event's memberships grouped by status, oldest
// request first.
func (s *Service) Members(ctx context.Context, eventId string) (*types.EventMembers, error) {
	if _, err := getEvent(ctx, s.store, eventId); err != nil {
		return nil, err
	}

	members := &types.EventMembers{
		Pending:  []types.Member{},
		Accepted: []types.Member{},
		Rejected: []types.Member{},
	}
	for _, st := range types.MembershipStatuses {
		docs, err := s.store.List(ctx, types.MembershipCollection(eventId, st), database.Query{OrderBy: "requestedAt"})
		if err != nil {
			return nil, fmt.Errorf("list %s members: %w", st, err)
		}
		for _, doc := range docs {
			m, err := types.Decode[types.Membership](doc)
			if err != nil {
				s.log.Printf("skipping membership: %v", err)
				continue
			}
			member := types.NewMember(m, st)
			switch st {
			case types.StatusPending:
				members.Pending = append(members.Pending, member)
			case types.StatusAccepted:
				members.Accepted = append(members.Accepted, member)
			case types.StatusRejected:
				members.Rejected = append(members.Rejected, member)
			}
		}
	}
	return members, nil
}
