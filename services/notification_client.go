// services/notification_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// NotificationServiceClient talks to the bulk notification service.
type NotificationServiceClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type bulkRequest struct {
	Messages []NotificationMessage `json:"messages"`
}

type bulkResponse struct {
	Failed []struct {
		RecipientUserID string `json:"recipient_user_id"`
		Error           string `json:"error"`
	} `json:"failed"`
}

func NewNotificationServiceClient(baseURL, token string, client *http.Client) *NotificationServiceClient {
	return &NotificationServiceClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  client,
	}
}

// DispatchBulk calls POST /notifications/bulk. 200 and 202 both count as accepted.
func (c *NotificationServiceClient) DispatchBulk(ctx context.Context, msgs []NotificationMessage) (map[string]error, error) {
	url := fmt.Sprintf("%s/notifications/bulk", c.BaseURL)

	jsonData, err := json.Marshal(bulkRequest{Messages: msgs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("notification service returned %d: %s", resp.StatusCode, string(body))
	}

	var out bulkResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("failed to decode notification response: %w", err)
		}
	}

	if len(out.Failed) == 0 {
		return nil, nil
	}
	failures := make(map[string]error, len(out.Failed))
	for _, f := range out.Failed {
		failures[f.RecipientUserID] = errors.New(f.Error)
	}
	return failures, nil
}

// LogDispatcher stands in when no notification service is configured.
type LogDispatcher struct {
	Log *zap.Logger
}

func (d LogDispatcher) DispatchBulk(_ context.Context, msgs []NotificationMessage) (map[string]error, error) {
	for _, m := range msgs {
		d.Log.Info("[NOTIFY] (log only)",
			zap.String("event", m.EventType),
			zap.String("game_id", m.GameID),
			zap.String("recipient", m.RecipientUserID))
	}
	return nil, nil
}
