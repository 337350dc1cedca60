// Package contacts finds users, starts chats with them and handles chat
// requests to private profiles.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/block"
	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/remote"
)

const searchLimit = 20

var (
	ErrBlocked           = errors.New("contacts: users are blocked")
	ErrSelfChat          = errors.New("contacts: cannot start a chat with yourself")
	ErrNotRecipient      = errors.New("contacts: request is addressed to someone else")
	ErrRequestNotPending = errors.New("contacts: request is not pending")
)

// Navigator is called with the id of a chat the user should be taken to.
type Navigator func(chatID string)

// Outcome is what StartChat did.
type Outcome int

const (
	Opened Outcome = iota
	Created
	Requested
)

func (o Outcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Created:
		return "created"
	case Requested:
		return "requested"
	}
	return "unknown"
}

// StartResult carries the chat or the request StartChat ended up with.
type StartResult struct {
	Outcome   Outcome
	ChatID    string
	RequestID string
}

type Service struct {
	store  remote.Store
	bus    *bus.Bus
	nav    Navigator
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the service. nav may be nil.
func NewService(store remote.Store, b *bus.Bus, nav Navigator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nav == nil {
		nav = func(string) {}
	}
	return &Service{store: store, bus: b, nav: nav, logger: logger.Named("contacts"), now: time.Now}
}

// SearchUsers returns users whose name, username or email contains term,
// excluding me and anyone blocked in either direction.
func (s *Service) SearchUsers(ctx context.Context, me, term string) ([]model.UserProfile, error) {
	mine, err := s.profile(ctx, me)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, remote.Collection(remote.UsersCollection).OrderBy("fullName", false))
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	term = strings.ToLower(strings.TrimSpace(term))
	var out []model.UserProfile
	for _, d := range docs {
		p := model.ProfileFromDoc(d)
		if p.ID == me || block.IsBlockedEitherDirection(mine, p.ID) {
			continue
		}
		if term != "" && !matches(p, term) {
			continue
		}
		out = append(out, p)
		if len(out) == searchLimit {
			break
		}
	}
	return out, nil
}

func matches(p model.UserProfile, term string) bool {
	for _, f := range []string{p.FullName, p.Username, p.Email} {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

// FindChat returns the chat between me and other, if any.
func (s *Service) FindChat(ctx context.Context, me, other string) (string, bool, error) {
	q := remote.Collection(remote.ChatsCollection).Where("participants", remote.OpArrayContains, me)
	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return "", false, fmt.Errorf("find chat: %w", err)
	}
	for _, d := range docs {
		if model.ChatFromDoc(d).OtherUser(me) == other {
			return d.ID, true, nil
		}
	}
	return "", false, nil
}

// StartChat is StartChatWithMessage without a request message.
func (s *Service) StartChat(ctx context.Context, me, other string) (StartResult, error) {
	return s.StartChatWithMessage(ctx, me, other, "")
}

// StartChatWithMessage opens the existing chat with other, creates one when
// other is public, or files a chat request carrying message otherwise. A
// pending request is reused as is.
func (s *Service) StartChatWithMessage(ctx context.Context, me, other, message string) (StartResult, error) {
	if me == other {
		return StartResult{}, ErrSelfChat
	}
	mine, err := s.profile(ctx, me)
	if err != nil {
		return StartResult{}, err
	}
	peer, err := s.profile(ctx, other)
	if err != nil {
		return StartResult{}, err
	}
	if block.IsBlockedEitherDirection(mine, other) {
		return StartResult{}, ErrBlocked
	}

	if id, ok, err := s.FindChat(ctx, me, other); err != nil {
		return StartResult{}, err
	} else if ok {
		s.nav(id)
		return StartResult{Outcome: Opened, ChatID: id}, nil
	}

	if peer.IsPublic {
		id, err := s.store.Add(ctx, remote.ChatsCollection, model.NewChatFields(me, other, s.now()))
		if err != nil {
			return StartResult{}, fmt.Errorf("create chat: %w", err)
		}
		s.logger.Info("chat created", zap.String("chat_id", id), zap.String("peer", other))
		s.bus.Emit(bus.KindChatCreated, bus.ChatRef{ChatID: id})
		s.nav(id)
		return StartResult{Outcome: Created, ChatID: id}, nil
	}

	q := remote.Collection(remote.ChatRequestsCollection).
		Where("senderId", remote.OpEqual, me).
		Where("recipientId", remote.OpEqual, other).
		Where("status", remote.OpEqual, string(model.RequestPending))
	pending, err := s.store.Query(ctx, q)
	if err != nil {
		return StartResult{}, fmt.Errorf("find pending request: %w", err)
	}
	if len(pending) > 0 {
		return StartResult{Outcome: Requested, RequestID: pending[0].ID}, nil
	}
	req := model.ChatRequest{
		SenderID:    me,
		RecipientID: other,
		Message:     strings.TrimSpace(message),
		Status:      model.RequestPending,
		Timestamp:   s.now(),
	}
	id, err := s.store.Add(ctx, remote.ChatRequestsCollection, req.Fields())
	if err != nil {
		return StartResult{}, fmt.Errorf("create chat request: %w", err)
	}
	s.logger.Info("chat request sent", zap.String("request_id", id), zap.String("recipient", other))
	return StartResult{Outcome: Requested, RequestID: id}, nil
}

// AcceptRequest marks a pending request addressed to me as accepted and
// creates the chat in the same batch. A block made since the request was
// sent refuses it.
func (s *Service) AcceptRequest(ctx context.Context, me, requestID string) (string, error) {
	req, err := s.pendingFor(ctx, me, requestID)
	if err != nil {
		return "", err
	}
	mine, err := s.profile(ctx, me)
	if err != nil {
		return "", err
	}
	if block.IsBlockedEitherDirection(mine, req.SenderID) {
		return "", ErrBlocked
	}
	status := remote.Fields{"status": string(model.RequestAccepted)}

	chatID, exists, err := s.FindChat(ctx, me, req.SenderID)
	if err != nil {
		return "", err
	}
	b := remote.NewBatch().Update(remote.ChatRequestPath(requestID), status)
	if !exists {
		chatID = uuid.NewString()
		b.Set(remote.ChatPath(chatID), model.NewChatFields(req.SenderID, me, s.now()))
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return "", fmt.Errorf("accept request %s: %w", requestID, err)
	}
	s.logger.Info("chat request accepted", zap.String("request_id", requestID), zap.String("chat_id", chatID))
	if !exists {
		s.bus.Emit(bus.KindChatCreated, bus.ChatRef{ChatID: chatID})
	}
	s.nav(chatID)
	return chatID, nil
}

func (s *Service) RejectRequest(ctx context.Context, me, requestID string) error {
	if _, err := s.pendingFor(ctx, me, requestID); err != nil {
		return err
	}
	err := s.store.Update(ctx, remote.ChatRequestPath(requestID), remote.Fields{"status": string(model.RequestRejected)})
	if err != nil {
		return fmt.Errorf("reject request %s: %w", requestID, err)
	}
	return nil
}

// PendingRequests returns the pending requests addressed to me, newest first.
func (s *Service) PendingRequests(ctx context.Context, me string) ([]model.ChatRequest, error) {
	q := remote.Collection(remote.ChatRequestsCollection).
		Where("recipientId", remote.OpEqual, me).
		Where("status", remote.OpEqual, string(model.RequestPending)).
		OrderBy("timestamp", true)
	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("pending requests: %w", err)
	}
	out := make([]model.ChatRequest, len(docs))
	for i, d := range docs {
		out[i] = model.ChatRequestFromDoc(d)
	}
	return out, nil
}

func (s *Service) pendingFor(ctx context.Context, me, requestID string) (model.ChatRequest, error) {
	d, err := s.store.Get(ctx, remote.ChatRequestPath(requestID))
	if err != nil {
		return model.ChatRequest{}, fmt.Errorf("get request %s: %w", requestID, err)
	}
	req := model.ChatRequestFromDoc(d)
	if req.RecipientID != me {
		return req, ErrNotRecipient
	}
	if req.Status != model.RequestPending {
		return req, ErrRequestNotPending
	}
	return req, nil
}

func (s *Service) profile(ctx context.Context, uid string) (model.UserProfile, error) {
	d, err := s.store.Get(ctx, remote.UserPath(uid))
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("get user %s: %w", uid, err)
	}
	return model.ProfileFromDoc(d), nil
}
