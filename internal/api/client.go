package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client for a daemon's Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, kv ...any) (*structpb.Struct, error) {
	in, err := args(kv...)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Healthy reports whether the daemon's health service says SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Status returns the daemon status as a flat map.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out, err := c.call(ctx, MethodGetStatus)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ListChats returns the chat list state and rows.
func (c *Client) ListChats(ctx context.Context) (string, []ChatRow, error) {
	out, err := c.call(ctx, MethodListChats)
	if err != nil {
		return "", nil, err
	}
	return stringArg(out, "state"), decodeChats(out), nil
}

func (c *Client) SearchChats(ctx context.Context, term string) ([]ChatRow, error) {
	out, err := c.call(ctx, MethodSearchChats, "term", term)
	if err != nil {
		return nil, err
	}
	return decodeChats(out), nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	_, err := c.call(ctx, MethodDeleteChat, "chat_id", chatID)
	return err
}

// SendText sends text to chatID and returns the new message id.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	out, err := c.call(ctx, MethodSendText, "chat_id", chatID, "text", text)
	if err != nil {
		return "", err
	}
	return stringArg(out, "message_id"), nil
}

// SendImage sends a JPEG to chatID and returns the new message id.
func (c *Client) SendImage(ctx context.Context, chatID string, data []byte) (string, error) {
	out, err := c.call(ctx, MethodSendImage, "chat_id", chatID, "data", data)
	if err != nil {
		return "", err
	}
	return stringArg(out, "message_id"), nil
}

// DeleteMessage deletes a message for the caller only, or for both
// participants when everyone is set.
func (c *Client) DeleteMessage(ctx context.Context, chatID, msgID string, everyone bool) error {
	_, err := c.call(ctx, MethodDeleteMessage, "chat_id", chatID, "message_id", msgID, "everyone", everyone)
	return err
}

func (c *Client) Block(ctx context.Context, userID string) error {
	_, err := c.call(ctx, MethodBlock, "user_id", userID)
	return err
}

func (c *Client) Unblock(ctx context.Context, userID string) error {
	_, err := c.call(ctx, MethodUnblock, "user_id", userID)
	return err
}

func (c *Client) SearchUsers(ctx context.Context, term string) ([]ProfileRow, error) {
	out, err := c.call(ctx, MethodSearchUsers, "term", term)
	if err != nil {
		return nil, err
	}
	return decodeProfiles(out), nil
}

// StartChat returns the outcome ("opened", "created" or "requested") and
// the chat or request id.
// StartChat opens or creates a chat with userID. message only travels with a
// chat request to a private profile.
func (c *Client) StartChat(ctx context.Context, userID, message string) (outcome, chatID, requestID string, err error) {
	out, err := c.call(ctx, MethodStartChat, "user_id", userID, "message", message)
	if err != nil {
		return "", "", "", err
	}
	return stringArg(out, "outcome"), stringArg(out, "chat_id"), stringArg(out, "request_id"), nil
}

func (c *Client) AcceptRequest(ctx context.Context, requestID string) (string, error) {
	out, err := c.call(ctx, MethodAcceptRequest, "request_id", requestID)
	if err != nil {
		return "", err
	}
	return stringArg(out, "chat_id"), nil
}

func (c *Client) RejectRequest(ctx context.Context, requestID string) error {
	_, err := c.call(ctx, MethodRejectRequest, "request_id", requestID)
	return err
}

func (c *Client) PendingRequests(ctx context.Context) ([]RequestRow, error) {
	out, err := c.call(ctx, MethodPendingRequests)
	if err != nil {
		return nil, err
	}
	return decodeRequests(out), nil
}

func (c *Client) GetPresence(ctx context.Context, userID string) (PresenceRow, error) {
	out, err := c.call(ctx, MethodGetPresence, "user_id", userID)
	if err != nil {
		return PresenceRow{}, err
	}
	return decodePresence(out), nil
}

func (c *Client) GetMedia(ctx context.Context, url string) ([]byte, error) {
	out, err := c.call(ctx, MethodGetMedia, "url", url)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(stringArg(out, "data"))
}

func (c *Client) RegisterProfile(ctx context.Context, p ProfileRow) error {
	_, err := c.call(ctx, MethodRegisterProfile,
		"email", p.Email,
		"full_name", p.FullName,
		"username", p.Username,
		"is_public", p.IsPublic,
	)
	return err
}

func (c *Client) UpdatePhoto(ctx context.Context, data []byte) (string, error) {
	out, err := c.call(ctx, MethodUpdatePhoto, "data", data)
	if err != nil {
		return "", err
	}
	return stringArg(out, "photo_url"), nil
}

func (c *Client) SetVisibility(ctx context.Context, public bool) error {
	_, err := c.call(ctx, MethodSetVisibility, "public", public)
	return err
}

// ChatsUpdate is one item of a WatchChats stream: either a chat list or a
// request to navigate to NavigateTo.
type ChatsUpdate struct {
	State      string
	Chats      []ChatRow
	NavigateTo string
}

// MessagesUpdate is one item of a WatchMessages stream.
type MessagesUpdate struct {
	ChatID   string
	PeerID   string
	Messages []MessageRow
	Presence PresenceRow
}

// WatchChats calls fn for every chat list update until ctx is cancelled,
// fn returns an error or the stream ends.
func (c *Client) WatchChats(ctx context.Context, fn func(ChatsUpdate) error) error {
	return c.stream(ctx, StreamWatchChats, nil, func(out *structpb.Struct) error {
		if stringArg(out, "type") == "navigate" {
			return fn(ChatsUpdate{NavigateTo: stringArg(out, "chat_id")})
		}
		return fn(ChatsUpdate{State: stringArg(out, "state"), Chats: decodeChats(out)})
	})
}

// WatchMessages keeps chatID open on the daemon, with read receipts being
// sent, and calls fn for every change of its message log.
func (c *Client) WatchMessages(ctx context.Context, chatID string, fn func(MessagesUpdate) error) error {
	return c.stream(ctx, StreamWatchMessages, []any{"chat_id", chatID}, func(out *structpb.Struct) error {
		var p PresenceRow
		if ps := out.GetFields()["presence"].GetStructValue(); ps != nil {
			p = decodePresence(ps)
		}
		return fn(MessagesUpdate{
			ChatID:   stringArg(out, "chat_id"),
			PeerID:   stringArg(out, "peer_id"),
			Messages: decodeMessages(out),
			Presence: p,
		})
	})
}

func (c *Client) stream(ctx context.Context, name string, kv []any, fn func(*structpb.Struct) error) error {
	in, err := args(kv...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cs, err := c.conn.NewStream(ctx, streamDesc(name), FullMethod(name))
	if err != nil {
		return err
	}
	if err := cs.SendMsg(in); err != nil {
		return err
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := cs.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}
