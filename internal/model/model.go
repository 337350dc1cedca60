// Package model holds the domain types of the messaging engine and their
// mapping to and from remote documents.
package model

import (
	"slices"
	"time"

	"github.com/khushaldangi18/conversa/internal/remote"
)

// DeletedPlaceholder replaces the text of a message deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

// ImageSummaryText is shown as the chat summary for image messages.
const ImageSummaryText = "📷 Image"

// ToMillis converts t to unix milliseconds, the wire representation.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a time. Zero maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// UserProfile is an immutable snapshot of users/{uid}.
type UserProfile struct {
	ID           string
	Email        string
	FullName     string
	Username     string
	PhotoURL     string
	IsPublic     bool
	BlockedUsers []string
	BlockedBy    []string
}

func ProfileFromDoc(d remote.Doc) UserProfile {
	return UserProfile{
		ID:           d.ID,
		Email:        d.Data.String("email"),
		FullName:     d.Data.String("fullName"),
		Username:     d.Data.String("username"),
		PhotoURL:     d.Data.String("photoURL"),
		IsPublic:     d.Data.Bool("isPublic"),
		BlockedUsers: d.Data.Strings("blockedUsers"),
		BlockedBy:    d.Data.Strings("blockedBy"),
	}
}

// Fields encodes the profile as a users/{uid} document body.
func (p UserProfile) Fields() remote.Fields {
	return remote.Fields{
		"email":        p.Email,
		"fullName":     p.FullName,
		"username":     p.Username,
		"photoURL":     p.PhotoURL,
		"isPublic":     p.IsPublic,
		"blockedUsers": stringsToAny(p.BlockedUsers),
		"blockedBy":    stringsToAny(p.BlockedBy),
	}
}

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// LastMessage is the denormalized summary stored on a chat document.
type LastMessage struct {
	Text      string
	SenderID  string
	Timestamp time.Time
	Kind      MessageKind
}

func (l LastMessage) Fields() map[string]any {
	return map[string]any{
		"text":      l.Text,
		"senderId":  l.SenderID,
		"timestamp": ToMillis(l.Timestamp),
		"type":      string(l.Kind),
	}
}

// Chat is the raw chats/{chatId} document.
type Chat struct {
	ID              string
	Participants    []string
	LastMessage     *LastMessage
	LastMessageRead map[string]bool
}

func ChatFromDoc(d remote.Doc) Chat {
	c := Chat{
		ID:              d.ID,
		Participants:    d.Data.Strings("participants"),
		LastMessageRead: map[string]bool{},
	}
	if d.Data.Has("lastMessage") {
		c.LastMessage = &LastMessage{
			Text:      d.Data.String("lastMessage.text"),
			SenderID:  d.Data.String("lastMessage.senderId"),
			Timestamp: FromMillis(d.Data.Int64("lastMessage.timestamp")),
			Kind:      MessageKind(d.Data.String("lastMessage.type")),
		}
	}
	for uid, v := range d.Data.Map("lastMessageRead") {
		b, _ := v.(bool)
		c.LastMessageRead[uid] = b
	}
	return c
}

// OtherUser returns the participant that is not me, or "" when me is not a
// participant of a two-person chat.
func (c Chat) OtherUser(me string) string {
	if len(c.Participants) != 2 || !slices.Contains(c.Participants, me) {
		return ""
	}
	if c.Participants[0] == me {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// NewChatFields is the body of a freshly created chat between a and b.
func NewChatFields(a, b string, now time.Time) remote.Fields {
	return remote.Fields{
		"participants":    []any{a, b},
		"lastMessageRead": map[string]any{},
		"createdAt":       ToMillis(now),
	}
}

// ChatSession is one row of the chat list as seen by the current user.
type ChatSession struct {
	ID                  string
	OtherUserID         string
	LastMessageText     string
	LastMessageTime     time.Time
	LastMessageSenderID string
	UnreadCount         int
}

// SessionFor derives the chat list row of c for me.
func SessionFor(c Chat, me string, unread int) ChatSession {
	s := ChatSession{
		ID:          c.ID,
		OtherUserID: c.OtherUser(me),
		UnreadCount: unread,
	}
	if c.LastMessage != nil {
		s.LastMessageText = c.LastMessage.Text
		s.LastMessageTime = c.LastMessage.Timestamp
		s.LastMessageSenderID = c.LastMessage.SenderID
	}
	return s
}

// Message is one chats/{chatId}/messages/{msgId} document.
type Message struct {
	ID         string
	ChatID     string
	Text       string
	SenderID   string
	Timestamp  time.Time
	Kind       MessageKind
	Deleted    bool
	DeletedFor []string
	ReadBy     []string
}

func MessageFromDoc(chatID string, d remote.Doc) Message {
	kind := MessageKind(d.Data.String("type"))
	if kind == "" {
		kind = KindText
	}
	return Message{
		ID:         d.ID,
		ChatID:     chatID,
		Text:       d.Data.String("text"),
		SenderID:   d.Data.String("senderId"),
		Timestamp:  FromMillis(d.Data.Int64("timestamp")),
		Kind:       kind,
		Deleted:    d.Data.Bool("deleted"),
		DeletedFor: d.Data.Strings("deletedFor"),
		ReadBy:     d.Data.Strings("readBy"),
	}
}

// NewMessageFields is the body of a new message; the sender has read it.
func NewMessageFields(sender, text string, kind MessageKind, ts time.Time) remote.Fields {
	return remote.Fields{
		"text":       text,
		"senderId":   sender,
		"timestamp":  ToMillis(ts),
		"type":       string(kind),
		"deleted":    false,
		"deletedFor": []any{},
		"readBy":     []any{sender},
	}
}

// HiddenFor reports whether viewer deleted the message for themselves.
func (m Message) HiddenFor(viewer string) bool {
	return slices.Contains(m.DeletedFor, viewer)
}

func (m Message) ReadByUser(uid string) bool {
	return slices.Contains(m.ReadBy, uid)
}

// CountsAsUnread reports whether the message contributes to viewer's unread
// count: sent by someone else, not read, and neither tombstoned nor hidden.
func (m Message) CountsAsUnread(viewer string) bool {
	return m.SenderID != viewer && !m.ReadByUser(viewer) && !m.Deleted && !m.HiddenFor(viewer)
}

// Summary returns the chat summary this message produces.
func (m Message) Summary() LastMessage {
	text := m.Text
	if m.Kind == KindImage {
		text = ImageSummaryText
	}
	return LastMessage{Text: text, SenderID: m.SenderID, Timestamp: m.Timestamp, Kind: m.Kind}
}

// PresenceState is the published connectivity of a user.
type PresenceState string

const (
	Online  PresenceState = "online"
	Offline PresenceState = "offline"
)

// Presence is a presence/{uid} record.
type Presence struct {
	UserID      string
	State       PresenceState
	LastSeen    time.Time
	LastChanged time.Time
}

// RequestStatus is the lifecycle state of a chat request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// ChatRequest is a chatRequests/{id} document.
type ChatRequest struct {
	ID          string
	SenderID    string
	RecipientID string
	Message     string
	Status      RequestStatus
	Timestamp   time.Time
}

func ChatRequestFromDoc(d remote.Doc) ChatRequest {
	return ChatRequest{
		ID:          d.ID,
		SenderID:    d.Data.String("senderId"),
		RecipientID: d.Data.String("recipientId"),
		Message:     d.Data.String("message"),
		Status:      RequestStatus(d.Data.String("status")),
		Timestamp:   FromMillis(d.Data.Int64("timestamp")),
	}
}

func (r ChatRequest) Fields() remote.Fields {
	return remote.Fields{
		"senderId":    r.SenderID,
		"recipientId": r.RecipientID,
		"message":     r.Message,
		"status":      string(r.Status),
		"timestamp":   ToMillis(r.Timestamp),
	}
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
