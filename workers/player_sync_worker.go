// workers/player_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"quiz-duel-service/config"
	"quiz-duel-service/models"
	"quiz-duel-service/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// profileFromIdentity matches the JSON the identity provider returns per user.
type profileFromIdentity struct {
	ExternalID    string     `json:"external_id"`
	Username      string     `json:"username"`
	DeclaredLevel string     `json:"declared_level,omitempty"`
	AccountStatus string     `json:"account_status"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type profileChangesResponse struct {
	Users []profileFromIdentity `json:"users"`
}

// PlayerSyncWorker mirrors identity-provider profiles into player_users, the
// candidate pool for random matchmaking. Inactive accounts are kept but
// flagged so the matchmaking filters skip them.
type PlayerSyncWorker struct {
	db           *gorm.DB
	interval     time.Duration
	baseURL      string
	serviceToken string
	httpClient   *http.Client
}

func NewPlayerSyncWorker(db *gorm.DB, cfg *config.Config) *PlayerSyncWorker {
	return &PlayerSyncWorker{
		db:           db,
		interval:     cfg.PlayerSyncInterval,
		baseURL:      cfg.IdentitySyncURL,
		serviceToken: cfg.ServiceToken,
		httpClient:   utils.HTTPClient,
	}
}

func (w *PlayerSyncWorker) Start(ctx context.Context) {
	if w.baseURL == "" {
		log.Println("[PLAYER_SYNC] no identity sync URL configured, player snapshots are static")
		return
	}
	log.Printf("🔁 Player sync worker started (every %s ← %s)", w.interval, w.baseURL)
	go w.run(ctx)
}

func (w *PlayerSyncWorker) run(ctx context.Context) {
	// Initial backfill from the beginning of time.
	if err := w.syncBatch(ctx, time.Time{}); err != nil {
		log.Printf("[PLAYER_SYNC] ⚠️ initial sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.syncBatch(ctx, w.lastSyncTime()); err != nil {
				log.Printf("[PLAYER_SYNC] ❌ sync batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Player sync worker stopped")
			return
		}
	}
}

// lastSyncTime is the most recent UpdatedAt in the local snapshot table,
// used as the incremental-sync cursor.
func (w *PlayerSyncWorker) lastSyncTime() time.Time {
	var lastTime time.Time
	err := w.db.Raw("SELECT MAX(updated_at) FROM player_users").Scan(&lastTime).Error
	if err != nil || lastTime.IsZero() {
		return time.Unix(0, 0)
	}
	return lastTime
}

// syncBatch fetches profile changes since the cursor and upserts them keyed
// on external_user_id.
func (w *PlayerSyncWorker) syncBatch(ctx context.Context, since time.Time) error {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return fmt.Errorf("invalid identity sync URL %q: %w", w.baseURL, err)
	}
	endpoint := base.JoinPath("/api/v1/public/profiles")
	q := endpoint.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity sync request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("identity sync non-200 response: %d — %s", resp.StatusCode, string(body))
	}

	var response profileChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("failed to decode identity sync response: %w", err)
	}
	if len(response.Users) == 0 {
		return nil
	}

	var upserted, failed int
	for _, remote := range response.Users {
		snapshot := models.PlayerUser{
			ID:             uuid.NewString(),
			ExternalUserID: remote.ExternalID,
			Username:       remote.Username,
			DeclaredLevel:  remote.DeclaredLevel,
			IsActive:       remote.AccountStatus == "active",
			LastSeen:       remote.LastSeen,
			UpdatedAt:      remote.UpdatedAt,
		}
		if err := w.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "declared_level", "is_active", "last_seen", "updated_at",
			}),
		}).Create(&snapshot).Error; err != nil {
			failed++
			log.Printf("[PLAYER_SYNC] ⚠️ upsert failed (external_id=%q): %v", remote.ExternalID, err)
		} else {
			upserted++
		}
	}

	log.Printf("[PLAYER_SYNC] ✅ synced %d profile(s) (%d upserted, %d errors)", len(response.Users), upserted, failed)
	return nil
}
