package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timestampLayout is fixed width so stored timestamps sort as strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp is a UTC instant stored in timestampLayout.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func Now() Timestamp {
	return NewTimestamp(time.Now())
}

func (t Timestamp) String() string {
	return t.UTC().Format(timestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}

type MembershipStatus string

const (
	StatusPending  MembershipStatus = "pending"
	StatusAccepted MembershipStatus = "accepted"
	StatusRejected MembershipStatus = "rejected"
)

// Collection returns the event subcollection holding memberships in this
// status.
func (s MembershipStatus) Collection() string {
	switch s {
	case StatusAccepted:
		return "attendees"
	case StatusRejected:
		return "declined"
	default:
		return "pending"
	}
}

var MembershipStatuses = []MembershipStatus{StatusPending, StatusAccepted, StatusRejected}

type Event struct {
	Id          string    `json:"id"`
	Title       string    `json:"title"`
	Location    string    `json:"location"`
	Date        Timestamp `json:"date"`
	GroupSize   int       `json:"groupSize"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Photos      []string  `json:"photos"`
	Host        string    `json:"host"`
	Active      bool      `json:"active"`
	CreatedAt   Timestamp `json:"createdAt"`
}

func (e *Event) Validate() error {
	var errs []error
	if strings.TrimSpace(e.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if strings.TrimSpace(e.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if e.GroupSize < 1 {
		errs = append(errs, errors.New("groupSize must be positive"))
	}
	if e.Date.IsZero() {
		errs = append(errs, errors.New("date is required"))
	}
	return errors.Join(errs...)
}

// Membership is a user's RSVP state for one event. Status is derived from
// the subcollection the document lives in and is not stored.
type Membership struct {
	UserId      string           `json:"userId"`
	EventId     string           `json:"eventId"`
	Status      MembershipStatus `json:"status,omitempty"`
	RequestedAt Timestamp        `json:"requestedAt"`
	AcceptedAt  *Timestamp       `json:"acceptedAt,omitempty"`
	DeclinedAt  *Timestamp       `json:"declinedAt,omitempty"`
}

func (m *Membership) Validate() error {
	if m.UserId == "" {
		return errors.New("userId is required")
	}
	if m.EventId == "" {
		return errors.New("eventId is required")
	}
	return nil
}

type RsvpMarker struct {
	UserId   string    `json:"userId"`
	RsvpedAt Timestamp `json:"rsvpedAt"`
}

func (r *RsvpMarker) Validate() error {
	if r.UserId == "" {
		return errors.New("userId is required")
	}
	return nil
}

type LastMessage struct {
	Text      string    `json:"text"`
	SenderId  string    `json:"senderId"`
	Timestamp Timestamp `json:"timestamp"`
}

type Chat struct {
	Id           string       `json:"id"`
	EventId      string       `json:"eventId"`
	Participants []string     `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	CreatedAt    Timestamp    `json:"createdAt"`
	UpdatedAt    Timestamp    `json:"updatedAt"`
}

func (c *Chat) Validate() error {
	if c.EventId == "" {
		return errors.New("eventId is required")
	}
	if len(c.Participants) == 0 {
		return errors.New("participants must not be empty")
	}
	return nil
}

// HasParticipant reports whether userId belongs to the chat.
func (c *Chat) HasParticipant(userId string) bool {
	for _, p := range c.Participants {
		if p == userId {
			return true
		}
	}
	return false
}

// SystemSender is the sender id of messages posted by the service itself.
const SystemSender = "system"

type Message struct {
	Id        string    `json:"id"`
	ChatId    string    `json:"chatId"`
	SenderId  string    `json:"senderId"`
	Text      string    `json:"text"`
	System    bool      `json:"system"`
	Timestamp Timestamp `json:"timestamp"`
}

func (m *Message) Validate() error {
	if m.SenderId == "" {
		return errors.New("senderId is required")
	}
	if m.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// SeenFlag marks whether a participant has unread messages in a chat.
type SeenFlag struct {
	Unseen    bool      `json:"unseen"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

func (s *SeenFlag) Validate() error {
	return nil
}

// RsvpPointer is the per-user index entry of an RSVP'd event.
type RsvpPointer struct {
	EventId   string    `json:"eventId"`
	CreatedAt Timestamp `json:"createdAt"`
}

func (p *RsvpPointer) Validate() error {
	if p.EventId == "" {
		return errors.New("eventId is required")
	}
	return nil
}

// Pass records a swipe left so the event is not offered again.
type Pass struct {
	EventId   string    `json:"eventId"`
	CreatedAt Timestamp `json:"createdAt"`
}

func (p *Pass) Validate() error {
	if p.EventId == "" {
		return errors.New("eventId is required")
	}
	return nil
}

type Account struct {
	Id           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    Timestamp `json:"createdAt"`
	UpdatedAt    Timestamp `json:"updatedAt"`
}

func (a *Account) Validate() error {
	if a.Email == "" {
		return errors.New("email is required")
	}
	if a.PasswordHash == "" {
		return errors.New("passwordHash is required")
	}
	return nil
}

// User is the public view of an account.
type User struct {
	Id        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
}

type Profile struct {
	UserId     string `json:"userId"`
	Name       string `json:"name"`
	Bio        string `json:"bio"`
	University string `json:"university"`
	Age        int    `json:"age"`
	PhotoURL   string `json:"photoUrl"`
}

func (p *Profile) Validate() error {
	if p.Age < 0 {
		return errors.New("age must not be negative")
	}
	return nil
}

type Tag struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

func (t *Tag) Validate() error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Member is an entry of a reconciled membership view.
type Member struct {
	UserId  string    `json:"userId"`
	Profile *Profile  `json:"profile,omitempty"`
	Since   Timestamp `json:"since"`
}

// NewMember builds the view entry of a membership held in status. Since is
// the time the membership entered that status.
func NewMember(m *Membership, status MembershipStatus) Member {
	since := m.RequestedAt
	switch {
	case status == StatusAccepted && m.AcceptedAt != nil:
		since = *m.AcceptedAt
	case status == StatusRejected && m.DeclinedAt != nil:
		since = *m.DeclinedAt
	}
	return Member{UserId: m.UserId, Since: since}
}

// EventMembers groups an event's memberships by status.
type EventMembers struct {
	Pending  []Member `json:"pending"`
	Accepted []Member `json:"accepted"`
	Rejected []Member `json:"rejected"`
}
