package remote

import "strings"

const (
	UsersCollection        = "users"
	ChatsCollection        = "chats"
	ChatRequestsCollection = "chatRequests"
	messagesSubcollection  = "messages"
)

func UserPath(uid string) string { return UsersCollection + "/" + uid }

func ChatPath(chatID string) string { return ChatsCollection + "/" + chatID }

// MessagesPath is the collection path holding the messages of one chat.
func MessagesPath(chatID string) string { return ChatPath(chatID) + "/" + messagesSubcollection }

func MessagePath(chatID, msgID string) string { return MessagesPath(chatID) + "/" + msgID }

func ChatRequestPath(id string) string { return ChatRequestsCollection + "/" + id }

// SplitPath splits a document path into its collection path and document id.
func SplitPath(path string) (collection, id string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidDocPath reports whether path names a document: an even number of
// non-empty segments.
func ValidDocPath(path string) bool {
	parts := strings.Split(path, "/")
	if len(parts)%2 != 0 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}
