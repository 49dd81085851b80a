// workers/user_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-entry-service/models"
)

// MirroredUserFromProfile is one row of the profile sync feed.
type MirroredUserFromProfile struct {
	ExternalID    string    `json:"external_id"`
	Username      string    `json:"username"`
	AccountStatus string    `json:"account_status"`
	IsBanned      bool      `json:"is_banned"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type GetUserChangesResponse struct {
	Users []MirroredUserFromProfile `json:"users"`
}

// PlayerSyncWorker keeps player_mirrors current so banned or suspended
// accounts are refused before any chain lookup.
type PlayerSyncWorker struct {
	db           *gorm.DB
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	log          *zap.Logger
}

func NewPlayerSyncWorker(db *gorm.DB, baseURL, endpointPath, serviceToken string, interval time.Duration, httpClient *http.Client, log *zap.Logger) *PlayerSyncWorker {
	return &PlayerSyncWorker{
		db:           db,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   httpClient,
		log:          log,
	}
}

func (w *PlayerSyncWorker) Start(ctx context.Context) {
	w.log.Info("[SYNC] 🔁 player sync worker started", zap.Duration("interval", w.interval))
	go w.run(ctx)
}

func (w *PlayerSyncWorker) run(ctx context.Context) {
	if err := w.syncBatch(ctx, time.Time{}); err != nil {
		w.log.Warn("[SYNC] ⚠️ initial player sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.syncBatch(ctx, w.getLastSyncTime(ctx)); err != nil {
				w.log.Error("[SYNC] ❌ player sync batch failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.log.Info("[SYNC] ⏹️ player sync worker stopped")
			return
		}
	}
}

// getLastSyncTime is the newest updated_at already mirrored, or the epoch.
func (w *PlayerSyncWorker) getLastSyncTime(ctx context.Context) time.Time {
	var latest models.PlayerMirror
	err := w.db.WithContext(ctx).Order("updated_at DESC").First(&latest).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			w.log.Warn("[SYNC] failed to read last player sync time", zap.Error(err))
		}
		return time.Unix(0, 0).UTC()
	}
	return latest.UpdatedAt
}

func (w *PlayerSyncWorker) syncBatch(ctx context.Context, since time.Time) error {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return fmt.Errorf("invalid sync service URL %q: %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request to sync service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("sync service non-200 response: %d: %s", resp.StatusCode, string(body))
	}

	var response GetUserChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode sync service response: %w", err)
	}
	if len(response.Users) == 0 {
		return nil
	}

	var upserted, failed int
	for _, remote := range response.Users {
		if remote.ExternalID == "" {
			failed++
			continue
		}
		local := models.PlayerMirror{
			ExternalUserID: remote.ExternalID,
			Username:       remote.Username,
			AccountStatus:  remote.AccountStatus,
			IsBanned:       remote.IsBanned,
			CreatedAt:      remote.CreatedAt,
			UpdatedAt:      remote.UpdatedAt,
		}
		if err := w.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "account_status", "is_banned", "updated_at",
			}),
		}).Create(&local).Error; err != nil {
			failed++
			w.log.Warn("[SYNC] ⚠️ failed to upsert player",
				zap.String("external_id", remote.ExternalID), zap.Error(err))
			continue
		}
		upserted++
	}

	w.log.Info("[SYNC] ✅ players synced",
		zap.Int("received", len(response.Users)),
		zap.Int("upserted", upserted),
		zap.Int("errors", failed),
	)
	return nil
}
