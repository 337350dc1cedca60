package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces, for Subscribe.
const (
	UserNamespace         = "user."
	ChatNamespace         = "chat."
	ChatListNamespace     = "chatlist."
	ConversationNamespace = "conversation."
	PresenceNamespace     = "presence."
)

// Event kinds.
const (
	// Payload: BlockChange.
	KindUserBlocked   = "user.blocked"
	KindUserUnblocked = "user.unblocked"

	// Payload: ChatRef.
	KindChatCreated = "chat.created"
	KindChatDeleted = "chat.deleted"
	KindChatOpened  = "chat.opened"

	// KindChatNavigate asks the UI to show a chat. Payload: ChatRef.
	KindChatNavigate = "chat.navigate"

	// Payload: []model.ChatSession.
	KindChatListPublished = "chatlist.published"

	// Payload: ChatRef.
	KindConversationUpdated = "conversation.updated"
	KindConversationClosed  = "conversation.closed"

	// Payload: status.StatusChange.
	KindPresenceStateChanged = "presence.state_changed"
)

// BlockChange describes a blocker → blocked edge that was added or removed.
type BlockChange struct {
	Blocker string
	Blocked string
}

// Involves reports whether the edge connects a and b in either direction.
func (c BlockChange) Involves(a, b string) bool {
	return (c.Blocker == a && c.Blocked == b) || (c.Blocker == b && c.Blocked == a)
}

// ChatRef identifies the chat an event is about.
type ChatRef struct {
	ChatID string
}
