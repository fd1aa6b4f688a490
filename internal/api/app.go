package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-meetup/internal/config"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/server"
	"github.com/npezzotti/go-meetup/internal/stats"
)

type MeetupApp struct {
	log            *log.Logger
	svc            *meetup.Service
	store          database.Store
	cs             *server.ChatServer
	stats          stats.StatsProvider
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
	triggerToken   string
}

func NewMeetupApp(mux *http.ServeMux, logger *log.Logger, svc *meetup.Service, cs *server.ChatServer, su stats.StatsProvider, cfg *config.Config) *MeetupApp {
	s := &MeetupApp{
		log:            logger,
		svc:            svc,
		cs:             cs,
		stats:          su,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		triggerToken:   cfg.TriggerToken,
	}
	if svc != nil {
		s.store = svc.Store()
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))

	mux.HandleFunc("GET /api/profile", s.authMiddleware(s.getProfile))
	mux.HandleFunc("PUT /api/profile", s.authMiddleware(s.updateProfile))
	mux.HandleFunc("POST /api/profile/picture", s.authMiddleware(s.uploadProfilePicture))
	mux.HandleFunc("GET /api/tags", s.authMiddleware(s.listTags))

	mux.HandleFunc("POST /api/events", s.authMiddleware(s.createEvent))
	mux.HandleFunc("GET /api/events", s.authMiddleware(s.discoverEvents))
	mux.HandleFunc("GET /api/events/hosted", s.authMiddleware(s.hostedEvents))
	mux.HandleFunc("GET /api/events/{id}", s.authMiddleware(s.getEvent))
	mux.HandleFunc("PUT /api/events/{id}", s.authMiddleware(s.updateEvent))
	mux.HandleFunc("DELETE /api/events/{id}", s.authMiddleware(s.deleteEvent))
	mux.HandleFunc("POST /api/events/{id}/photos", s.authMiddleware(s.addEventPhoto))
	mux.HandleFunc("POST /api/events/{id}/rsvp", s.authMiddleware(s.rsvp))
	mux.HandleFunc("POST /api/events/{id}/pass", s.authMiddleware(s.pass))
	mux.HandleFunc("GET /api/events/{id}/members", s.authMiddleware(s.members))
	mux.HandleFunc("POST /api/events/{id}/members/{uid}/accept", s.authMiddleware(s.acceptMember))
	mux.HandleFunc("POST /api/events/{id}/members/{uid}/decline", s.authMiddleware(s.declineMember))

	mux.HandleFunc("GET /api/chats", s.authMiddleware(s.listChats))
	mux.HandleFunc("GET /api/chats/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/chats/{id}/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("POST /api/chats/{id}/seen", s.authMiddleware(s.markSeen))

	mux.HandleFunc("POST /triggers/attendee-created", s.triggerAuth(s.attendeeCreated))
	mux.HandleFunc("POST /triggers/event-deleted", s.triggerAuth(s.eventDeleted))

	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	if logger != nil {
		h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	}

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *MeetupApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MeetupApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *MeetupApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
