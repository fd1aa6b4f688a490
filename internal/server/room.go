package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/types"
)

const (
	idleRoomTimeout = time.Second * 5
	storeTimeout    = time.Second * 5
)

type exitReq struct {
	deleted bool
	done    chan bool
}

type Room struct {
	chatId        string
	chat          *types.Chat
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	userMap       map[string]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// watcher streams the chat's messages; every message the room
	// broadcasts comes from here, whichever surface wrote it
	watcher *database.Watcher
	cancel  context.CancelFunc
	// killTimer unloads the room when it has had no clients for a while
	killTimer *time.Timer
	exit      chan exitReq
}

func newRoom(cs *ChatServer, chat *types.Chat) (*Room, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w, err := cs.store.Watch(ctx, types.MessagesCollection(chat.Id), database.Query{OrderBy: "timestamp"})
	if err != nil {
		cancel()
		return nil, err
	}

	return &Room{
		chatId:        chat.Id,
		chat:          chat,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[string]map[*Client]struct{}),
		log:           cs.log,
		watcher:       w,
		cancel:        cancel,
		exit:          make(chan exitReq),
	}, nil
}

func (r *Room) changes() <-chan database.Change {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Changes()
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.chatId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	changes := r.changes()
	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			if msg.Publish != nil {
				r.handlePublish(msg)
			} else if msg.Read != nil {
				r.handleRead(msg)
			}
		case c, ok := <-changes:
			if !ok {
				r.log.Printf("message stream for room %q closed", r.chatId)
				changes = nil
				continue
			}
			r.handleChange(c)
		case <-r.killTimer.C:
			if r.handleRoomTimeout() {
				return
			}
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// handleRoomTimeout asks the server to unload the room. It reports whether
// the room exited while waiting.
func (r *Room) handleRoomTimeout() bool {
	r.log.Printf("room %q timed out", r.chatId)
	select {
	case r.cs.unloadRoomChan <- r.chatId:
		return false
	case e := <-r.exit:
		r.handleRoomExit(e)
		return true
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.chatId)
	if r.cancel != nil {
		r.cancel()
	}
	if r.watcher != nil {
		r.watcher.Close()
	}

	if e.deleted {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				ChatDeleted: &ChatDeleted{ChatId: r.chatId},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.chatId)
	}
	r.clientLock.Unlock()

	// joins routed here before the server forgot the room
drain:
	for {
		select {
		case join := <-r.joinChan:
			join.client.queueMessage(ErrServiceUnavailable(join.Id))
		default:
			break drain
		}
	}

	if e.done != nil {
		e.done <- true
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()

	c := join.client
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	chat, err := r.cs.chats.Chat(ctx, r.chatId, join.UserId)
	if err != nil {
		r.log.Printf("join %q by %q: %v", r.chatId, join.UserId, err)
		if r.clientCount() == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		c.queueMessage(errorResponse(join.Id, err))
		return
	}
	r.chat = chat

	firstSession := r.userMap[c.user.Id] == nil
	r.addClient(c)

	c.queueMessage(NoErrOK(join.Id, JoinInfo{
		Chat:    chat,
		Present: r.present(),
	}))

	if firstSession {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				Presence: &Presence{
					Present: true,
					ChatId:  r.chatId,
					UserId:  c.user.Id,
				},
			},
			SkipClient: c,
		})
	}
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	client := leaveMsg.client
	if !r.removeClient(client) {
		if leaveMsg.GetUserId() != "" {
			client.queueMessage(ErrChatNotFound(leaveMsg.Id))
		}
		return
	}

	if leaveMsg.GetUserId() != "" {
		client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	if r.userMap[client.user.Id] == nil {
		r.broadcast(&ServerMessage{
			Notification: &Notification{
				Presence: &Presence{
					Present: false,
					ChatId:  r.chatId,
					UserId:  client.user.Id,
				},
			},
			SkipClient: client,
		})
	}
}

func (r *Room) handlePublish(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := r.cs.chats.SendMessage(ctx, r.chatId, msg.UserId, msg.Publish.Text); err != nil {
		r.log.Println("SendMessage:", err)
		msg.client.queueMessage(errorResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
}

func (r *Room) handleRead(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := r.cs.chats.MarkSeen(ctx, r.chatId, msg.UserId); err != nil {
		r.log.Println("MarkSeen:", err)
		msg.client.queueMessage(errorResponse(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
}

// handleChange broadcasts messages added to the chat after the room loaded
// and tells participants outside the room about them.
func (r *Room) handleChange(c database.Change) {
	if c.Snapshot || c.Type != database.ChangeAdded {
		return
	}

	msg, err := types.Decode[types.Message](c.Doc)
	if err != nil {
		r.log.Printf("room %q: %v", r.chatId, err)
		return
	}
	msg.ChatId = r.chatId

	r.broadcast(&ServerMessage{Message: msg})
	r.cs.stats.Incr(NumMessagesBroadcast)
	r.refreshChat()

	for _, userId := range r.chat.Participants {
		if r.userMap[userId] != nil || userId == msg.SenderId {
			continue
		}
		notif := &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				Message: &MessageNotification{
					ChatId:    r.chatId,
					MessageId: msg.Id,
					Timestamp: msg.Timestamp,
				},
			},
			UserId: userId,
		}
		select {
		case r.cs.broadcastChan <- notif:
		default:
			r.log.Printf("broadcast channel full, dropping notification for %q", userId)
		}
	}
}

// refreshChat reloads the participant list, which grows as members are
// accepted.
func (r *Room) refreshChat() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	doc, err := r.cs.store.Get(ctx, types.ChatPath(r.chatId))
	if err != nil {
		r.log.Printf("refresh chat %q: %v", r.chatId, err)
		return
	}
	chat, err := types.Decode[types.Chat](doc)
	if err != nil {
		r.log.Printf("refresh chat %q: %v", r.chatId, err)
		return
	}
	r.chat = chat
}

func (r *Room) present() []string {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	users := make([]string, 0, len(r.userMap))
	for userId := range r.userMap {
		users = append(users, userId)
	}
	return users
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	return len(r.clients)
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

// removeClient reports whether c was in the room.
func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	c.delRoom(r.chatId)

	if conns, ok := r.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.chatId)
		r.killTimer.Reset(idleRoomTimeout)
	}
	return true
}

func (r *Room) broadcast(msg *ServerMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Now()
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()
	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}
		client.queueMessage(msg)
	}
}
