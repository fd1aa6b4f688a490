package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/server"
	"github.com/npezzotti/go-meetup/internal/types"
)

const (
	maxUploadSize = 10 << 20
	maxBodySize   = 1 << 20
)

func (s *MeetupApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *MeetupApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// decodeJson reads a size capped JSON body into v, answering 400 itself on
// failure.
func (s *MeetupApp) decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		s.writeError(w, NewBadRequestError())
		return false
	}
	return true
}

// formFile returns the "file" part of a multipart upload.
func (s *MeetupApp) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, NewBadRequestError())
		return nil, nil, false
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return nil, nil, false
	}
	return f, hdr, true
}

func uploadContentType(hdr *multipart.FileHeader) string {
	if ct := hdr.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *MeetupApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Println("health check:", err)
		http.Error(w, "database unavailable", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *MeetupApp) getProfile(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	p, err := s.svc.Profile(r.Context(), userId)
	switch {
	case errors.Is(err, database.ErrNotFound):
		// nothing filled in yet
		p = &types.Profile{UserId: userId}
	case err != nil:
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, p)
}

func (s *MeetupApp) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in meetup.ProfileInput
	if !s.decodeJson(w, r, &in) {
		return
	}
	if in.Age < 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	userId, _ := UserId(r.Context())
	p, err := s.svc.UpdateProfile(r.Context(), userId, in)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, p)
}

func (s *MeetupApp) uploadProfilePicture(w http.ResponseWriter, r *http.Request) {
	f, hdr, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer f.Close()

	userId, _ := UserId(r.Context())
	p, err := s.svc.UploadProfilePicture(r.Context(), userId, hdr.Filename, uploadContentType(hdr), f, hdr.Size)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	s.writeJson(w, http.StatusOK, p)
}

func (s *MeetupApp) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.svc.Tags(r.Context())
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}
	if tags == nil {
		tags = []*types.Tag{}
	}
	s.writeJson(w, http.StatusOK, tags)
}

func (s *MeetupApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	acc, err := s.svc.Account(r.Context(), userId)
	if err != nil {
		s.writeError(w, toApiError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// native clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(publicUser(acc), conn, s.cs, s.log)
	if !s.cs.RegisterClient(client) {
		conn.Close()
		return
	}
	go client.Write()
	go client.Read()
}
