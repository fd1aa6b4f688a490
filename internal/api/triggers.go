package api

import (
	"net/http"
	"strings"

	"github.com/npezzotti/go-meetup/internal/meetup"
)

func (s *MeetupApp) attendeeCreated(w http.ResponseWriter, r *http.Request) {
	var ev meetup.TriggerEvent
	if !s.decodeJson(w, r, &ev) {
		return
	}

	chat, err := s.svc.OnAttendeeCreated(r.Context(), ev)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	if chat == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJson(w, http.StatusOK, chat)
}

func (s *MeetupApp) eventDeleted(w http.ResponseWriter, r *http.Request) {
	var ev meetup.TriggerEvent
	if !s.decodeJson(w, r, &ev) {
		return
	}

	if err := s.svc.OnEventDeletedTrigger(r.Context(), ev); err != nil {
		s.writeError(w, toApiError(err))
		return
	}

	if s.cs != nil {
		name := strings.TrimRight(ev.OldValue.Name, "/")
		s.cs.RemoveRoom(name[strings.LastIndex(name, "/")+1:])
	}
	w.WriteHeader(http.StatusNoContent)
}
