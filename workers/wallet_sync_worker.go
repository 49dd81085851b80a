// workers/wallet_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"game-entry-service/chain"
	"game-entry-service/models"
)

// WalletSyncClient mirrors the wallet service's address table into wallet_mirrors,
// which is where the confirm flow reads a caller's sender allowlist from.
type WalletSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
	Log        *zap.Logger
}

func NewWalletSyncClient(db *gorm.DB, baseURL, token string, httpClient *http.Client, log *zap.Logger) *WalletSyncClient {
	return &WalletSyncClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: httpClient,
		DB:         db,
		Log:        log,
	}
}

func (c *WalletSyncClient) GetChangedWallets(ctx context.Context, since time.Time) ([]models.WalletMirror, error) {
	u, err := url.Parse(c.BaseURL + "/api/v1/public/wallets")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Wallets []models.WalletMirror `json:"wallets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return response.Wallets, nil
}

// SyncOnce pulls changes since the given time and upserts them. Addresses are
// stored lower-cased; rows with an unparseable address are skipped.
func (c *WalletSyncClient) SyncOnce(ctx context.Context, since time.Time) (int, error) {
	wallets, err := c.GetChangedWallets(ctx, since)
	if err != nil {
		return 0, err
	}

	rows := make([]models.WalletMirror, 0, len(wallets))
	for _, w := range wallets {
		addr, err := chain.NormalizeAddress(w.Address)
		if err != nil || w.ID == "" || w.UserID == "" {
			c.Log.Warn("[SYNC] ⚠️ skipping malformed wallet",
				zap.String("id", w.ID), zap.String("address", w.Address))
			continue
		}
		w.Address = addr
		if w.CreatedAt.IsZero() {
			w.CreatedAt = time.Now().UTC()
		}
		if w.UpdatedAt.IsZero() {
			w.UpdatedAt = w.CreatedAt
		}
		rows = append(rows, w)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := c.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"chain",
			"kind",
			"is_active",
			"updated_at",
		}),
	}).Create(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to upsert %d wallet(s): %w", len(rows), err)
	}
	return len(rows), nil
}

// LastSyncTime is the newest updated_at already mirrored, or the epoch for an
// empty mirror, so a fresh database pulls every wallet.
func (c *WalletSyncClient) LastSyncTime(ctx context.Context) time.Time {
	var latest models.WalletMirror
	err := c.DB.WithContext(ctx).Order("updated_at DESC").First(&latest).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.Log.Warn("[SYNC] failed to read last wallet sync time", zap.Error(err))
		}
		return time.Unix(0, 0).UTC()
	}
	return latest.UpdatedAt
}

func (c *WalletSyncClient) syncFromMirror(ctx context.Context) {
	n, err := c.SyncOnce(ctx, c.LastSyncTime(ctx))
	if err != nil {
		// The mirror did not move; the next tick asks for the same window.
		c.Log.Error("[SYNC] ❌ wallet sync failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.Log.Info("[SYNC] ✅ wallets upserted", zap.Int("count", n))
	}
}

// PollWallets syncs once right away, then every pollInterval until ctx is done.
func PollWallets(ctx context.Context, client *WalletSyncClient, pollInterval time.Duration) {
	client.Log.Info("[SYNC] 🔁 wallet polling started", zap.Duration("interval", pollInterval))
	client.syncFromMirror(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Log.Info("[SYNC] wallet polling stopped")
			return
		case <-ticker.C:
			client.syncFromMirror(ctx)
		}
	}
}
