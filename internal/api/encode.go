package api

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/presence"
)

func stringArg(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func boolArg(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

func requiredArg(in *structpb.Struct, key string) (string, error) {
	v := stringArg(in, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// bytesArg decodes a base64 field, which is how structpb carries []byte.
func bytesArg(in *structpb.Struct, key string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(stringArg(in, key))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return data, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return model.ToMillis(t)
}

func stringList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func sessionFields(c model.ChatSession) map[string]any {
	return map[string]any{
		"id":                c.ID,
		"other_user_id":     c.OtherUserID,
		"last_message":      c.LastMessageText,
		"last_message_at":   millis(c.LastMessageTime),
		"last_message_from": c.LastMessageSenderID,
		"unread_count":      c.UnreadCount,
	}
}

func sessionList(chats []model.ChatSession) []any {
	out := make([]any, len(chats))
	for i, c := range chats {
		out[i] = sessionFields(c)
	}
	return out
}

func messageFields(m model.Message) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"chat_id":   m.ChatID,
		"sender_id": m.SenderID,
		"text":      m.Text,
		"type":      string(m.Kind),
		"timestamp": millis(m.Timestamp),
		"deleted":   m.Deleted,
		"read_by":   stringList(m.ReadBy),
	}
}

func messageList(msgs []model.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = messageFields(m)
	}
	return out
}

func profileFields(p model.UserProfile) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"email":     p.Email,
		"full_name": p.FullName,
		"username":  p.Username,
		"photo_url": p.PhotoURL,
		"is_public": p.IsPublic,
	}
}

func requestFields(r model.ChatRequest) map[string]any {
	return map[string]any{
		"id":           r.ID,
		"sender_id":    r.SenderID,
		"recipient_id": r.RecipientID,
		"message":      r.Message,
		"status":       string(r.Status),
		"timestamp":    millis(r.Timestamp),
	}
}

func presenceFields(uid string, st presence.Status, known bool) map[string]any {
	state := "unknown"
	if known {
		state = string(st.State)
	}
	return map[string]any{
		"user_id":   uid,
		"state":     state,
		"last_seen": millis(st.LastSeen),
	}
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func empty() (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

// Decoding helpers used by Client.

// ChatRow is a chat list row as seen by API clients.
type ChatRow struct {
	ID              string
	OtherUserID     string
	LastMessage     string
	LastMessageAt   time.Time
	LastMessageFrom string
	UnreadCount     int
}

// MessageRow is a message as seen by API clients.
type MessageRow struct {
	ID        string
	ChatID    string
	SenderID  string
	Text      string
	Type      string
	Timestamp time.Time
	Deleted   bool
}

// ProfileRow is a user profile as seen by API clients.
type ProfileRow struct {
	ID       string
	Email    string
	FullName string
	Username string
	PhotoURL string
	IsPublic bool
}

// RequestRow is a chat request as seen by API clients.
type RequestRow struct {
	ID          string
	SenderID    string
	RecipientID string
	Message     string
	Status      string
	Timestamp   time.Time
}

// PresenceRow is a user's presence as seen by API clients.
type PresenceRow struct {
	UserID   string
	State    string
	LastSeen time.Time
}

func timeField(s *structpb.Struct, key string) time.Time {
	ms := int64(s.GetFields()[key].GetNumberValue())
	if ms == 0 {
		return time.Time{}
	}
	return model.FromMillis(ms)
}

func structList(s *structpb.Struct, key string) []*structpb.Struct {
	vals := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(vals))
	for _, v := range vals {
		if sv := v.GetStructValue(); sv != nil {
			out = append(out, sv)
		}
	}
	return out
}

func decodeChats(s *structpb.Struct) []ChatRow {
	var out []ChatRow
	for _, c := range structList(s, "chats") {
		out = append(out, ChatRow{
			ID:              stringArg(c, "id"),
			OtherUserID:     stringArg(c, "other_user_id"),
			LastMessage:     stringArg(c, "last_message"),
			LastMessageAt:   timeField(c, "last_message_at"),
			LastMessageFrom: stringArg(c, "last_message_from"),
			UnreadCount:     int(c.GetFields()["unread_count"].GetNumberValue()),
		})
	}
	return out
}

func decodeMessages(s *structpb.Struct) []MessageRow {
	var out []MessageRow
	for _, m := range structList(s, "messages") {
		out = append(out, MessageRow{
			ID:        stringArg(m, "id"),
			ChatID:    stringArg(m, "chat_id"),
			SenderID:  stringArg(m, "sender_id"),
			Text:      stringArg(m, "text"),
			Type:      stringArg(m, "type"),
			Timestamp: timeField(m, "timestamp"),
			Deleted:   boolArg(m, "deleted"),
		})
	}
	return out
}

func decodeProfiles(s *structpb.Struct) []ProfileRow {
	var out []ProfileRow
	for _, p := range structList(s, "users") {
		out = append(out, ProfileRow{
			ID:       stringArg(p, "id"),
			Email:    stringArg(p, "email"),
			FullName: stringArg(p, "full_name"),
			Username: stringArg(p, "username"),
			PhotoURL: stringArg(p, "photo_url"),
			IsPublic: boolArg(p, "is_public"),
		})
	}
	return out
}

func decodeRequests(s *structpb.Struct) []RequestRow {
	var out []RequestRow
	for _, r := range structList(s, "requests") {
		out = append(out, RequestRow{
			ID:          stringArg(r, "id"),
			SenderID:    stringArg(r, "sender_id"),
			RecipientID: stringArg(r, "recipient_id"),
			Message:     stringArg(r, "message"),
			Status:      stringArg(r, "status"),
			Timestamp:   timeField(r, "timestamp"),
		})
	}
	return out
}

func decodePresence(s *structpb.Struct) PresenceRow {
	return PresenceRow{
		UserID:   stringArg(s, "user_id"),
		State:    stringArg(s, "state"),
		LastSeen: timeField(s, "last_seen"),
	}
}

func args(kv ...any) (*structpb.Struct, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("odd argument list")
	}
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("argument key %v is not a string", kv[i])
		}
		fields[key] = kv[i+1]
	}
	return structpb.NewStruct(fields)
}
