package api

import (
	"net/http"

	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/types"
)

// AcceptResponse is the membership and the chat the accepted user joined.
type AcceptResponse struct {
	Membership *types.Membership `json:"membership"`
	Chat       *types.Chat       `json:"chat"`
}

func eventList(events []*types.Event) []*types.Event {
	if events == nil {
		return []*types.Event{}
	}
	return events
}

func (s *MeetupApp) createEvent(w http.ResponseWriter, r *http.Request) {
	var in meetup.EventInput
	if !s.decodeJson(w, r, &in) {
		return
	}

	userId, _ := UserId(r.Context())
	ev, err := s.svc.CreateEvent(r.Context(), userId, in)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusCreated, ev)
}

func (s *MeetupApp) discoverEvents(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	events, err := s.svc.Discover(r.Context(), userId, r.URL.Query().Get("tag"))
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, eventList(events))
}

func (s *MeetupApp) hostedEvents(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	events, err := s.svc.HostedEvents(r.Context(), userId)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, eventList(events))
}

func (s *MeetupApp) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.Event(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, ev)
}

func (s *MeetupApp) updateEvent(w http.ResponseWriter, r *http.Request) {
	var u meetup.EventUpdate
	if !s.decodeJson(w, r, &u) {
		return
	}

	userId, _ := UserId(r.Context())
	ev, err := s.svc.UpdateEvent(r.Context(), userId, r.PathValue("id"), u)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, ev)
}

func (s *MeetupApp) deleteEvent(w http.ResponseWriter, r *http.Request) {
	eventId := r.PathValue("id")
	userId, _ := UserId(r.Context())
	if err := s.svc.DeleteEvent(r.Context(), userId, eventId); err != nil {
		s.writeError(w, toApiError(err))
		return
	}

	// the chat shares the event id
	if s.cs != nil {
		s.cs.RemoveRoom(eventId)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MeetupApp) addEventPhoto(w http.ResponseWriter, r *http.Request) {
	f, hdr, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer f.Close()

	userId, _ := UserId(r.Context())
	ev, err := s.svc.AddEventPhoto(r.Context(), userId, r.PathValue("id"), hdr.Filename, uploadContentType(hdr), f, hdr.Size)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, ev)
}

func (s *MeetupApp) rsvp(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	m, err := s.svc.RSVP(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, m)
}

func (s *MeetupApp) pass(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	if err := s.svc.Pass(r.Context(), r.PathValue("id"), userId); err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MeetupApp) members(w http.ResponseWriter, r *http.Request) {
	eventId := r.PathValue("id")
	userId, _ := UserId(r.Context())

	ev, err := s.svc.Event(r.Context(), eventId)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	if ev.Host != userId {
		s.writeError(w, NewForbiddenError())
		return
	}

	members, err := s.svc.Members(r.Context(), eventId)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, members)
}

func (s *MeetupApp) acceptMember(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	m, chat, err := s.svc.Accept(r.Context(), r.PathValue("id"), userId, r.PathValue("uid"))
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, AcceptResponse{Membership: m, Chat: chat})
}

func (s *MeetupApp) declineMember(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	m, err := s.svc.Decline(r.Context(), r.PathValue("id"), userId, r.PathValue("uid"))
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, m)
}
