package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/latticefs/odsync/internal/driveid"
)

// socketIOResponse mirrors the socketIo subscription response.
type socketIOResponse struct {
	NotificationURL string `json:"notificationUrl"`
}

// SubscribeSocketIO returns the websocket notification URL for a drive.
// Monitor mode connects to it to learn about remote changes without
// polling. Not every deployment variant supports it; callers fall back to
// interval polling on error.
func (c *Client) SubscribeSocketIO(ctx context.Context, driveID driveid.ID) (string, error) {
	c.logger.Debug("requesting change notification socket",
		slog.String("drive_id", driveID.String()))

	path := fmt.Sprintf("/drives/%s/root/subscriptions/socketIo", driveID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sr socketIOResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("graph: decoding socketIo response: %w", err)
	}

	if sr.NotificationURL == "" {
		return "", fmt.Errorf("graph: socketIo subscription returned no notification URL")
	}

	return sr.NotificationURL, nil
}
