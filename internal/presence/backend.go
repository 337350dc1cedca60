package presence

import (
	"context"
	"errors"

	"github.com/khushaldangi18/conversa/internal/model"
)

// ErrConnClosed is returned by operations on a closed or lost connection.
var ErrConnClosed = errors.New("presence: connection closed")

// Backend is a low-latency presence store with server-side deferred writes.
type Backend interface {
	// Connect opens a connection. Its connectivity sentinel reports true once
	// the link is up.
	Connect(ctx context.Context) (Conn, error)
	// Observe streams the presence record of uid, starting with the current
	// value if one exists.
	Observe(ctx context.Context, uid string) (Watch, error)
}

// Conn is one client connection to the presence backend.
type Conn interface {
	// Connectivity reports link up (true) and down (false) transitions. It is
	// closed when the connection is gone for good.
	Connectivity() <-chan bool
	// Set writes rec now. Zero LastSeen/LastChanged are stamped by the backend.
	Set(ctx context.Context, rec model.Presence) error
	// OnDisconnect registers rec to be written by the backend when this
	// connection drops without CancelOnDisconnect. A later registration for
	// the same user replaces the earlier one.
	OnDisconnect(ctx context.Context, rec model.Presence) error
	CancelOnDisconnect(ctx context.Context, uid string) error
	Close() error
}

// Watch is a subscription to one user's presence record.
type Watch interface {
	Updates() <-chan model.Presence
	Close()
}
