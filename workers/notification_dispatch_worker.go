package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"quiz-duel-service/config"
	"quiz-duel-service/models"
	"quiz-duel-service/utils"

	"gorm.io/gorm"
)

// NotificationDispatchWorker drains the notification outbox: it POSTs
// undelivered rows to the configured sink and stamps DeliveredAt. Delivery is
// at-least-once; an unreachable sink just leaves rows for the next tick.
type NotificationDispatchWorker struct {
	db         *gorm.DB
	interval   time.Duration
	sinkURL    string
	token      string
	httpClient *http.Client
}

func NewNotificationDispatchWorker(db *gorm.DB, cfg *config.Config) *NotificationDispatchWorker {
	return &NotificationDispatchWorker{
		db:         db,
		interval:   cfg.DispatchInterval,
		sinkURL:    cfg.NotificationSinkURL,
		token:      cfg.ServiceToken,
		httpClient: utils.HTTPClient,
	}
}

func (w *NotificationDispatchWorker) Start(ctx context.Context) {
	if w.sinkURL == "" {
		log.Println("[DISPATCH] no sink URL configured, notifications stay in the outbox")
		return
	}
	log.Printf("🔁 Notification dispatcher started (every %s → %s)", w.interval, w.sinkURL)
	go w.run(ctx)
}

func (w *NotificationDispatchWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.dispatchBatch(ctx); err != nil {
				log.Printf("[DISPATCH] ❌ batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Notification dispatcher stopped")
			return
		}
	}
}

// dispatchBatch sends pending outbox rows oldest-first, stopping at the first
// sink failure so ordering per tick stays intact.
func (w *NotificationDispatchWorker) dispatchBatch(ctx context.Context) error {
	var pending []models.Notification
	if err := w.db.Where("delivered_at IS NULL").
		Order("created_at ASC").
		Limit(100).
		Find(&pending).Error; err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	delivered := 0
	for i := range pending {
		if err := w.send(ctx, &pending[i]); err != nil {
			log.Printf("[DISPATCH] ⚠️ notification %s not delivered, will retry: %v", pending[i].ID, err)
			break
		}
		now := time.Now()
		if err := w.db.Model(&pending[i]).Update("delivered_at", &now).Error; err != nil {
			return err
		}
		delivered++
	}

	log.Printf("[DISPATCH] ✅ delivered %d/%d notification(s)", delivered, len(pending))
	return nil
}

func (w *NotificationDispatchWorker) send(ctx context.Context, n *models.Notification) error {
	body, err := json.Marshal(map[string]interface{}{
		"id":      n.ID,
		"user_id": n.UserID,
		"type":    n.Type,
		"payload": json.RawMessage(n.Payload),
		"sent_at": n.CreatedAt,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.sinkURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", w.token)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
