package meetup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
)

// maxMessageLength caps the text of a single chat message.
const maxMessageLength = 4096

// ChatSummary is a chat as listed for one participant.
type ChatSummary struct {
	*types.Chat
	Unseen bool `json:"unseen"`
}

func getChat(ctx context.Context, r database.Reader, chatId string) (*types.Chat, error) {
	doc, err := r.Get(ctx, types.ChatPath(chatId))
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatId, err)
	}
	return types.Decode[types.Chat](doc)
}

func participantChat(ctx context.Context, r database.Reader, chatId, userId string) (*types.Chat, error) {
	chat, err := getChat(ctx, r, chatId)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userId) {
		return nil, ErrNotParticipant
	}
	return chat, nil
}

// Chat returns the chat if userId participates in it.
func (s *Service) Chat(ctx context.Context, chatId, userId string) (*types.Chat, error) {
	return participantChat(ctx, s.store, chatId, userId)
}

func displayName(ctx context.Context, r database.Reader, userId string) string {
	doc, err := r.Get(ctx, types.ProfilePath(userId))
	if err != nil {
		return "A new member"
	}
	p, err := types.Decode[types.Profile](doc)
	if err != nil || p.Name == "" {
		return "A new member"
	}
	return p.Name
}

// post writes msg into the chat, records it as the chat's last message and
// flags every participant except reader as having unseen messages. chat is
// written back in full.
func post(ctx context.Context, tx database.Tx, chat *types.Chat, msg *types.Message, reader string) error {
	msgData, err := types.ToData(msg)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	delete(msgData, "chatId")
	if err := tx.Create(ctx, types.MessagePath(chat.Id, msg.Id), msgData); err != nil {
		return err
	}

	chat.LastMessage = &types.LastMessage{Text: msg.Text, SenderId: msg.SenderId, Timestamp: msg.Timestamp}
	chat.UpdatedAt = msg.Timestamp
	chatData, err := types.ToData(chat)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, types.ChatPath(chat.Id), chatData); err != nil {
		return err
	}

	flag, err := types.ToData(&types.SeenFlag{Unseen: true, UpdatedAt: msg.Timestamp})
	if err != nil {
		return err
	}
	for _, p := range chat.Participants {
		if p == reader {
			continue
		}
		if err := tx.Set(ctx, types.SeenPath(chat.Id, p), flag); err != nil {
			return err
		}
	}
	return nil
}

// joinChat adds userId to the chat of ev, creating the chat with the host
// and a welcome message when it does not exist yet. Joining a chat the user
// already belongs to is a no-op.
func joinChat(ctx context.Context, tx database.Tx, ev *types.Event, userId string) (*types.Chat, error) {
	now := types.Now()
	chat, err := getChat(ctx, tx, ev.Id)

	var msg *types.Message
	switch {
	case errors.Is(err, database.ErrNotFound):
		participants := []string{ev.Host}
		if userId != ev.Host {
			participants = append(participants, userId)
		}
		chat = &types.Chat{
			Id:           ev.Id,
			EventId:      ev.Id,
			Participants: participants,
			CreatedAt:    now,
		}
		msg = &types.Message{Text: fmt.Sprintf("Welcome to %s!", ev.Title)}
	case err != nil:
		return nil, err
	case chat.HasParticipant(userId):
		return chat, nil
	default:
		chat.Participants = append(chat.Participants, userId)
		msg = &types.Message{Text: fmt.Sprintf("%s joined the chat", displayName(ctx, tx, userId))}
	}

	msg.Id = uuid.NewString()
	msg.ChatId = chat.Id
	msg.SenderId = types.SystemSender
	msg.System = true
	msg.Timestamp = now
	if err := post(ctx, tx, chat, msg, userId); err != nil {
		return nil, err
	}
	return chat, nil
}

// JoinChat runs the chat join for an accepted attendee in its own
// transaction.
func (s *Service) JoinChat(ctx context.Context, eventId, userId string) (*types.Chat, error) {
	var chat *types.Chat
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		ev, err := getEvent(ctx, tx, eventId)
		if err != nil {
			return err
		}
		chat, err = joinChat(ctx, tx, ev, userId)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("join chat %s: %w", eventId, err)
	}
	return chat, nil
}

func (s *Service) SendMessage(ctx context.Context, chatId, senderId, text string) (*types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxMessageLength {
		return nil, ErrInvalidMessage
	}

	msg := &types.Message{
		Id:       uuid.NewString(),
		ChatId:   chatId,
		SenderId: senderId,
		Text:     text,
	}
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx database.Tx) error {
		chat, err := participantChat(ctx, tx, chatId, senderId)
		if err != nil {
			return err
		}
		msg.Timestamp = types.Now()
		return post(ctx, tx, chat, msg, senderId)
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.stats.Incr(MessagesSentMetric)
	return msg, nil
}

// Messages returns the chat's messages oldest first. A positive limit keeps
// only the most recent ones.
func (s *Service) Messages(ctx context.Context, chatId, userId string, limit int) ([]*types.Message, error) {
	if _, err := participantChat(ctx, s.store, chatId, userId); err != nil {
		return nil, err
	}

	q := database.Query{OrderBy: "timestamp"}
	if limit > 0 {
		q.Desc = true
		q.Limit = limit
	}
	docs, err := s.store.List(ctx, types.MessagesCollection(chatId), q)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]*types.Message, 0, len(docs))
	for _, doc := range docs {
		m, err := types.Decode[types.Message](doc)
		if err != nil {
			s.log.Printf("skipping message: %v", err)
			continue
		}
		m.ChatId = chatId
		msgs = append(msgs, m)
	}
	if q.Desc {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

func (s *Service) MarkSeen(ctx context.Context, chatId, userId string) error {
	if _, err := participantChat(ctx, s.store, chatId, userId); err != nil {
		return err
	}
	data, err := types.ToData(&types.SeenFlag{Unseen: false, UpdatedAt: types.Now()})
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, types.SeenPath(chatId, userId), data); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// ChatsFor lists the chats the user participates in, most recently active
// first.
func (s *Service) ChatsFor(ctx context.Context, userId string) ([]*ChatSummary, error) {
	q := database.Query{OrderBy: "updatedAt", Desc: true}.WhereContains("participants", userId)
	docs, err := s.store.List(ctx, types.ChatsCollection, q)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	chats := make([]*ChatSummary, 0, len(docs))
	for _, doc := range docs {
		chat, err := types.Decode[types.Chat](doc)
		if err != nil {
			s.log.Printf("skipping chat: %v", err)
			continue
		}
		summary := &ChatSummary{Chat: chat}
		if flagDoc, err := s.store.Get(ctx, types.SeenPath(chat.Id, userId)); err == nil {
			if flag, err := types.Decode[types.SeenFlag](flagDoc); err == nil {
				summary.Unseen = flag.Unseen
			}
		} else if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("get seen flag: %w", err)
		}
		chats = append(chats, summary)
	}
	return chats, nil
}
