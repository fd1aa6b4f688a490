package meetup

import (
	"errors"
	"log"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/storage"
)

var (
	ErrNotPending     = errors.New("membership is not pending")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotParticipant = errors.New("not a chat participant")
	ErrInactive       = errors.New("event is not active")
)

const (
	EventsCreatedMetric       = "EventsCreated"
	EventsDeletedMetric       = "EventsDeleted"
	RsvpsMetric               = "Rsvps"
	MembershipsAcceptedMetric = "MembershipsAccepted"
	MembershipsDeclinedMetric = "MembershipsDeclined"
	MessagesSentMetric        = "MessagesSent"
	CascadeFailuresMetric     = "CascadeFailures"
)

// defaultBatchSize bounds every paginated subcollection delete.
const defaultBatchSize = 100

// Service implements the event, membership and chat workflows on top of a
// document store.
type Service struct {
	log       *log.Logger
	store     database.Store
	objects   storage.Service
	stats     stats.StatsProvider
	batchSize int
}

func NewService(logger *log.Logger, store database.Store, objects storage.Service, su stats.StatsProvider) *Service {
	stats.Register(su,
		EventsCreatedMetric,
		EventsDeletedMetric,
		RsvpsMetric,
		MembershipsAcceptedMetric,
		MembershipsDeclinedMetric,
		MessagesSentMetric,
		CascadeFailuresMetric,
	)

	return &Service{
		log:       logger,
		store:     store,
		objects:   objects,
		stats:     su,
		batchSize: defaultBatchSize,
	}
}

// Store exposes the underlying document store to the realtime layer.
func (s *Service) Store() database.Store {
	return s.store
}

// objectName returns a fresh object name keeping the extension of the
// uploaded file.
func objectName(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 8 {
		ext = ""
	}
	return uuid.NewString() + ext
}
