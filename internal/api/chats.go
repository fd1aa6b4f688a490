package api

import (
	"net/http"
	"strconv"

	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/types"
)

const defaultMessageLimit = 50

type SendMessageRequest struct {
	Text string `json:"text"`
}

func (s *MeetupApp) listChats(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	chats, err := s.svc.ChatsFor(r.Context(), userId)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	if chats == nil {
		chats = []*meetup.ChatSummary{}
	}
	s.writeJson(w, http.StatusOK, chats)
}

func (s *MeetupApp) getMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = n
	}

	userId, _ := UserId(r.Context())
	msgs, err := s.svc.Messages(r.Context(), r.PathValue("id"), userId, limit)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	s.writeJson(w, http.StatusOK, msgs)
}

func (s *MeetupApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	userId, _ := UserId(r.Context())
	msg, err := s.svc.SendMessage(r.Context(), r.PathValue("id"), userId, req.Text)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusCreated, msg)
}

func (s *MeetupApp) markSeen(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	if err := s.svc.MarkSeen(r.Context(), r.PathValue("id"), userId); err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
