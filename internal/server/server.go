package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/hub"
	"github.com/npezzotti/go-meetup/internal/meetup"
	"github.com/npezzotti/go-meetup/internal/stats"
	"github.com/npezzotti/go-meetup/internal/types"
)

const (
	NumActiveRooms       = "NumActiveRooms"
	NumActiveClients     = "NumActiveClients"
	NumActiveHubs        = "NumActiveHubs"
	NumMessagesBroadcast = "NumMessagesBroadcast"
)

// ChatService is the part of the meetup service used by rooms.
type ChatService interface {
	Chat(ctx context.Context, chatId, userId string) (*types.Chat, error)
	SendMessage(ctx context.Context, chatId, senderId, text string) (*types.Message, error)
	MarkSeen(ctx context.Context, chatId, userId string) error
}

var _ ChatService = (*meetup.Service)(nil)

type ChatServer struct {
	log            *log.Logger
	chats          ChatService
	store          database.Store
	profiles       *hub.ProfileCache
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	userMap        map[string]map[*Client]struct{}
	clientsLock    sync.RWMutex
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deregisterChan chan *Client
	unloadRoomChan chan string
	rmRoomChan     chan string
	broadcastChan  chan *ServerMessage
	rooms          map[string]*Room
	roomsLock      sync.RWMutex
	stop           chan struct{}
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, chats ChatService, store database.Store, profiles *hub.ProfileCache, su stats.StatsProvider) (*ChatServer, error) {
	if chats == nil || store == nil {
		return nil, errors.New("chat server requires a chat service and a store")
	}

	stats.Register(su, NumActiveRooms, NumActiveClients, NumActiveHubs, NumMessagesBroadcast)

	return &ChatServer{
		log:            logger,
		chats:          chats,
		store:          store,
		profiles:       profiles,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[string]map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		unloadRoomChan: make(chan string),
		rmRoomChan:     make(chan string, 16),
		broadcastChan:  make(chan *ServerMessage, 1024),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case msg := <-cs.joinChan:
			cs.handleJoinRoom(msg)
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.user.Id)
			cs.addClient(client)
		case client := <-cs.deregisterChan:
			cs.log.Printf("removing connection from %q", client.user.Id)
			cs.removeClient(client)
		case msg := <-cs.broadcastChan:
			cs.handleBroadcast(msg)
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id, false)
		case id := <-cs.rmRoomChan:
			cs.unloadRoom(id, true)
		case <-cs.stop:
			cs.unloadAllRooms()
			close(cs.done)
			return
		}
	}
}

// RegisterClient hands a connected client to the server. It returns false
// once the server is shutting down.
func (cs *ChatServer) RegisterClient(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

// RemoveRoom unloads the room of a deleted chat and tells its clients.
func (cs *ChatServer) RemoveRoom(chatId string) {
	select {
	case cs.rmRoomChan <- chatId:
	case <-cs.done:
	}
}

func (cs *ChatServer) handleJoinRoom(msg *ClientMessage) {
	chatId := msg.Join.ChatId
	if room := cs.getRoom(chatId); room != nil {
		select {
		case room.joinChan <- msg:
		default:
			cs.log.Printf("join channel full on room %q", chatId)
			msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
		}
		return
	}

	chat, err := cs.chats.Chat(context.Background(), chatId, msg.UserId)
	if err != nil {
		msg.client.queueMessage(errorResponse(msg.Id, err))
		return
	}

	room, err := newRoom(cs, chat)
	if err != nil {
		cs.log.Printf("newRoom %q: %v", chatId, err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	cs.addRoom(room)
	room.joinChan <- msg
	go room.start()
}

// handleBroadcast delivers a message addressed to a user to all of that
// user's connections.
func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	for _, c := range cs.getClients(msg.UserId) {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(NumActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	if conns, ok := cs.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(NumActiveClients)
}

func (cs *ChatServer) getClients(userId string) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) addRoom(r *Room) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	cs.rooms[r.chatId] = r
	cs.stats.Incr(NumActiveRooms)
}

func (cs *ChatServer) getRoom(id string) *Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()
	return cs.rooms[id]
}

func (cs *ChatServer) removeRoom(id string) (*Room, bool) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()
	r, ok := cs.rooms[id]
	if ok {
		delete(cs.rooms, id)
		cs.stats.Decr(NumActiveRooms)
	}
	return r, ok
}

func (cs *ChatServer) unloadRoom(id string, deleted bool) {
	r, ok := cs.removeRoom(id)
	if !ok {
		return
	}
	cs.log.Printf("unloading room %q", id)
	done := make(chan bool, 1)
	r.exit <- exitReq{deleted: deleted, done: done}
	<-done
}

func (cs *ChatServer) unloadAllRooms() {
	cs.roomsLock.Lock()
	rooms := cs.rooms
	cs.rooms = make(map[string]*Room)
	cs.roomsLock.Unlock()

	for id, r := range rooms {
		cs.log.Println("shutting down room", id)
		done := make(chan bool, 1)
		r.exit <- exitReq{done: done}
		<-done
		cs.stats.Decr(NumActiveRooms)
	}
}

// Shutdown stops every client and room and waits for the server loop to
// exit or ctx to expire.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return ErrChatNotFound(id)
	case errors.Is(err, meetup.ErrNotParticipant):
		return ErrNotParticipant(id)
	case errors.Is(err, meetup.ErrInvalidMessage):
		return ErrInvalidMessage(id)
	default:
		return ErrInternalError(id)
	}
}
