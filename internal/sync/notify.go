package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/latticefs/odsync/internal/driveid"
)

// notifierReconnectDelay paces websocket reconnect attempts.
const notifierReconnectDelay = 30 * time.Second

// SocketSubscriber obtains the change-notification websocket URL for a
// drive. Satisfied by *graph.Client.
type SocketSubscriber interface {
	SubscribeSocketIO(ctx context.Context, driveID driveid.ID) (string, error)
}

// WebsocketNotifier implements ChangeNotifier over the drive's socketIo
// subscription: any inbound frame means "something changed, run a cycle".
// Connection loss falls back to silent reconnect attempts; the orchestrator
// still polls on its interval regardless.
type WebsocketNotifier struct {
	subscriber SocketSubscriber
	driveID    driveid.ID
	logger     *slog.Logger
}

// NewWebsocketNotifier creates a notifier for one drive.
func NewWebsocketNotifier(subscriber SocketSubscriber, driveID driveid.ID, logger *slog.Logger) *WebsocketNotifier {
	return &WebsocketNotifier{
		subscriber: subscriber,
		driveID:    driveID,
		logger:     logger,
	}
}

// Changes subscribes and returns the wakeup channel. The channel closes
// when ctx is cancelled.
func (n *WebsocketNotifier) Changes(ctx context.Context) (<-chan struct{}, error) {
	url, err := n.subscriber.SubscribeSocketIO(ctx, n.driveID)
	if err != nil {
		return nil, err
	}

	ch := make(chan struct{}, 1)

	go n.pump(ctx, url, ch)

	return ch, nil
}

// pump reads frames and converts each into a (coalesced) wakeup signal,
// re-subscribing when the socket drops.
func (n *WebsocketNotifier) pump(ctx context.Context, url string, ch chan<- struct{}) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			n.logger.Warn("change notification socket dial failed", "error", err.Error())

			if sleepCtx(ctx, notifierReconnectDelay) != nil {
				return
			}

			// The notification URL is short-lived; fetch a fresh one.
			fresh, subErr := n.subscriber.SubscribeSocketIO(ctx, n.driveID)
			if subErr != nil {
				n.logger.Warn("re-subscribe failed", "error", subErr.Error())
				continue
			}

			url = fresh

			continue
		}

		n.readLoop(ctx, conn, ch)
	}
}

// readLoop signals a wakeup for every inbound frame until the socket drops.
func (n *WebsocketNotifier) readLoop(ctx context.Context, conn *websocket.Conn, ch chan<- struct{}) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if ctx.Err() == nil {
				n.logger.Debug("change notification socket closed", "error", err.Error())
			}

			return
		}

		// Coalesce: one pending wakeup is enough.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
