package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/metrics"
)

const publishTimeout = 5 * time.Second

// Envelope is the JSON body of an audit message.
type Envelope struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	ChatID     string    `json:"chat_id,omitempty"`
	Blocker    string    `json:"blocker,omitempty"`
	Blocked    string    `json:"blocked,omitempty"`
}

// forwarded lists the bus events that are audited.
var forwarded = map[string]bool{
	bus.KindUserBlocked:   true,
	bus.KindUserUnblocked: true,
	bus.KindChatCreated:   true,
	bus.KindChatDeleted:   true,
}

// Forwarder subscribes to the bus and publishes audited events.
type Forwarder struct {
	userID string
	bus    *bus.Bus
	pub    Publisher
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewForwarder(userID string, b *bus.Bus, pub Publisher, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{userID: userID, bus: b, pub: pub, logger: logger.Named("audit")}
}

// Start subscribes to user and chat events.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	users, unsubUsers := f.bus.Subscribe(bus.UserNamespace, 64)
	chats, unsubChats := f.bus.Subscribe(bus.ChatNamespace, 64)

	go func() {
		defer close(f.done)
		defer unsubUsers()
		defer unsubChats()
		for {
			select {
			case evt := <-users:
				f.forward(ctx, evt)
			case evt := <-chats:
				f.forward(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops forwarding and waits for the loop to exit.
func (f *Forwarder) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *Forwarder) forward(ctx context.Context, evt bus.Event) {
	env, ok := f.envelope(evt)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := f.pub.Publish(ctx, RoutingKey(evt.Kind), env); err != nil {
		metrics.IncAMQPPublishError()
		f.logger.Warn("audit publish failed", zap.String("event_type", evt.Kind), zap.Error(err))
	}
}

func (f *Forwarder) envelope(evt bus.Event) (Envelope, bool) {
	if !forwarded[evt.Kind] {
		return Envelope{}, false
	}
	env := Envelope{
		ID:         uuid.NewString(),
		EventType:  evt.Kind,
		UserID:     f.userID,
		OccurredAt: evt.Timestamp.UTC(),
	}
	switch p := evt.Payload.(type) {
	case bus.BlockChange:
		env.Blocker, env.Blocked = p.Blocker, p.Blocked
	case bus.ChatRef:
		env.ChatID = p.ChatID
	}
	return env, true
}

// RoutingKey maps an event kind such as "user.blocked" to "conversa.user.blocked".
func RoutingKey(kind string) string {
	return "conversa." + strings.ToLower(kind)
}
