// Package keys builds the store paths used by the chat components.
//
//	users/{userId}
//	rooms/{roomId}
//	rooms/{roomId}/messages/{messageId}
//	rooms/{roomId}/members/{userId}
//	direct_messages/{channelId}/messages/{messageId}
//	direct_message_invites/{recipientKey}/{inviteId}
//	notifications/{recipientKey}/{notificationId}
package keys

import (
	"regexp"
	"sort"
	"strings"

	"presence-chat/internal/store"
)

const (
	Users         = "users"
	Rooms         = "rooms"
	DirectMessage = "direct_messages"
	Invites       = "direct_message_invites"
	Notifications = "notifications"
)

func User(userID string) string { return store.Join(Users, userID) }

func Room(roomID string) string { return store.Join(Rooms, roomID) }

func RoomMessages(roomID string) string { return store.Join(Rooms, roomID, "messages") }

func RoomMessage(roomID, messageID string) string {
	return store.Join(RoomMessages(roomID), messageID)
}

func RoomMembers(roomID string) string { return store.Join(Rooms, roomID, "members") }

func RoomMember(roomID, userID string) string { return store.Join(RoomMembers(roomID), userID) }

func DirectMessages(channelID string) string {
	return store.Join(DirectMessage, channelID, "messages")
}

func InviteBucket(handle string) string { return store.Join(Invites, RecipientKey(handle)) }

func NotificationBucket(handle string) string {
	return store.Join(Notifications, RecipientKey(handle))
}

func Notification(handle, id string) string { return store.Join(NotificationBucket(handle), id) }

// RecipientKey replaces only the first '.' of a handle. Handles with more
// than one dot keep the rest, which the store rejects as a key.
func RecipientKey(handle string) string {
	return strings.Replace(handle, ".", "_", 1)
}

var delimiters = regexp.MustCompile(`[.#$\[\]]`)

// ChannelID is the direct channel shared by two handles. It does not depend
// on argument order. Handles differing only in delimiter characters collide.
func ChannelID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return delimiters.ReplaceAllString(strings.Join(pair, "_"), "_")
}
