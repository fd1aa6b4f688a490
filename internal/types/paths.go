package types

import "strings"

// Document paths shared with the mobile client. They are the wire contract
// and must not change.
const (
	EventsCollection = "live"
	ChatsCollection  = "chats"
	UsersCollection  = "users"
	TagsCollection   = "tags"

	rsvpedUsers = "rsvpedUsers"
	messages    = "messages"
	seenFlags   = "new"
	rsvpIndex   = "rsvp"
	passes      = "declined"
	profileInfo = "ProfileInfo"
	userinfo    = "userinfo"

	profilePics   = "profilePics"
	liveEventPics = "liveEventPics"
)

func join(segs ...string) string {
	return strings.Join(segs, "/")
}

func EventPath(eventId string) string {
	return join(EventsCollection, eventId)
}

func MembershipCollection(eventId string, status MembershipStatus) string {
	return join(EventsCollection, eventId, status.Collection())
}

func MembershipPath(eventId string, status MembershipStatus, userId string) string {
	return join(MembershipCollection(eventId, status), userId)
}

func RsvpedUsersCollection(eventId string) string {
	return join(EventsCollection, eventId, rsvpedUsers)
}

func RsvpedUserPath(eventId, userId string) string {
	return join(RsvpedUsersCollection(eventId), userId)
}

// ChatPath returns the chat of an event; chats share the id of their event.
func ChatPath(chatId string) string {
	return join(ChatsCollection, chatId)
}

func MessagesCollection(chatId string) string {
	return join(ChatsCollection, chatId, messages)
}

func MessagePath(chatId, messageId string) string {
	return join(MessagesCollection(chatId), messageId)
}

func SeenCollection(chatId string) string {
	return join(ChatsCollection, chatId, seenFlags)
}

func SeenPath(chatId, userId string) string {
	return join(SeenCollection(chatId), userId)
}

func UserPath(userId string) string {
	return join(UsersCollection, userId)
}

func RsvpPointersCollection(userId string) string {
	return join(UsersCollection, userId, rsvpIndex)
}

func RsvpPointerPath(userId, eventId string) string {
	return join(RsvpPointersCollection(userId), eventId)
}

func PassesCollection(userId string) string {
	return join(UsersCollection, userId, passes)
}

func PassPath(userId, eventId string) string {
	return join(PassesCollection(userId), eventId)
}

func ProfilePath(userId string) string {
	return join(UsersCollection, userId, profileInfo, userinfo)
}

func TagPath(tagId string) string {
	return join(TagsCollection, tagId)
}

// Object storage keys.

func ProfilePicKey(userId, name string) string {
	return join(profilePics, userId, name)
}

func EventPicPrefix(eventId string) string {
	return join(liveEventPics, eventId) + "/"
}

func EventPicKey(eventId, name string) string {
	return EventPicPrefix(eventId) + name
}
