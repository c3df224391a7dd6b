package workflow

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/models"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Publisher delivers one committed inventory event and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, msg config.InventoryEventMessage) (string, error)
}

type OutboxDispatcher struct {
	DB           *gorm.DB
	Publisher    Publisher
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	now func() time.Time
}

// NewOutboxDispatcher reads OUTBOX_PUBLISH_MAX_ATTEMPTS, OUTBOX_PUBLISH_BASE_BACKOFF_SECONDS
// and OUTBOX_PUBLISH_MAX_BACKOFF_SECONDS when set.
func NewOutboxDispatcher(db *gorm.DB, publisher Publisher, logger *logrus.Logger) *OutboxDispatcher {
	d := &OutboxDispatcher{
		DB:             db,
		Publisher:      publisher,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if n := positiveIntEnv("OUTBOX_PUBLISH_MAX_ATTEMPTS"); n > 0 {
		d.MaxAttempts = n
	}
	if n := positiveIntEnv("OUTBOX_PUBLISH_BASE_BACKOFF_SECONDS"); n > 0 {
		d.InitialBackoff = time.Duration(n) * time.Second
	}
	if n := positiveIntEnv("OUTBOX_PUBLISH_MAX_BACKOFF_SECONDS"); n > 0 {
		d.MaxBackoff = time.Duration(n) * time.Second
	}
	return d
}

func positiveIntEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// Run polls until ctx is cancelled. The dispatcher works across organizations.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			config.LogError(d.Logger, "workflow/outboxDispatcher.go", "Run", "claiming outbox rows", d.DispatcherID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch of due rows, publishes them and returns how many were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.DB == nil || d.Publisher == nil {
		return 0, nil
	}
	now := d.now()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.InventoryOutboxRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Due: PENDING/FAILED whose backoff elapsed, or PROCESSING rows left behind by a crashed dispatcher.
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.InventoryOutboxRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.InventoryOutboxRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		msg, err := rec.ToMessage()
		if err != nil {
			// an undecodable payload never gets better
			d.markDead(ctx, rec, err)
			continue
		}
		pubID, pubErr := d.Publisher.Publish(ctx, msg)
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markPublishSent(ctx, rec, pubID)
		sent++
	}
	return sent, nil
}

// RequeueDead moves DEAD rows of one organization back to PENDING with a fresh attempt budget.
func (d *OutboxDispatcher) RequeueDead(ctx context.Context, organizationId string) (int64, error) {
	res := d.DB.WithContext(ctx).Model(&models.InventoryOutboxRecord{}).
		Where("organization_id = ? AND publish_status = ?", organizationId, models.OutboxPublishStatusDead).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusPending,
			"publish_attempts":   0,
			"last_publish_error": nil,
			"next_attempt_at":    nil,
		})
	return res.RowsAffected, res.Error
}

func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return d.InitialBackoff
	}
	delay := time.Duration(float64(d.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if d.MaxBackoff > 0 && (delay > d.MaxBackoff || delay <= 0) {
		return d.MaxBackoff
	}
	return delay
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, rec models.InventoryOutboxRecord, pubsubMsgID string) {
	now := d.now()
	id := pubsubMsgID
	if err := d.DB.WithContext(ctx).Model(&models.InventoryOutboxRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &id,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error; err != nil {
		config.LogError(d.Logger, "workflow/outboxDispatcher.go", "markPublishSent", "marking outbox row sent", rec.ID, err)
	}
}

func (d *OutboxDispatcher) markDead(ctx context.Context, rec models.InventoryOutboxRecord, cause error) {
	msg := cause.Error()
	if err := d.DB.WithContext(ctx).Model(&models.InventoryOutboxRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusDead,
			"last_publish_error": &msg,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error; err != nil {
		config.LogError(d.Logger, "workflow/outboxDispatcher.go", "markDead", "marking outbox row dead", rec.ID, err)
	}
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"organization_id": rec.OrganizationId,
			"record_id":       rec.ID,
			"event_key":       rec.EventKey,
			"attempt":         rec.PublishAttempts,
		}).Error("outbox publish moved to DEAD: " + msg)
	}
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.InventoryOutboxRecord, cause error) {
	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		d.markDead(ctx, rec, cause)
		return
	}

	msg := cause.Error()
	next := d.now().Add(d.backoff(rec.PublishAttempts))
	if err := d.DB.WithContext(ctx).Model(&models.InventoryOutboxRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error; err != nil {
		config.LogError(d.Logger, "workflow/outboxDispatcher.go", "markPublishFailed", "marking outbox row failed", rec.ID, err)
	}

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"organization_id": rec.OrganizationId,
			"record_id":       rec.ID,
			"attempt":         rec.PublishAttempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("outbox publish failed: " + msg)
	}
}
