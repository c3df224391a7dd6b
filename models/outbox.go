package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/nursery_backend/config"
)

// Outbox publish statuses for InventoryOutboxRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// InventoryOutboxRecord is written in the same transaction as its event and published after commit.
type InventoryOutboxRecord struct {
	ID               int        `gorm:"primary_key;index:idx_inv_outbox_dispatch,priority:3" json:"id"`
	OrganizationId   string     `gorm:"size:64;not null;index" json:"organization_id"`
	EventId          int64      `gorm:"not null;index" json:"event_id"`
	EventKey         string     `gorm:"size:36;not null" json:"event_key"`
	EventType        EventType  `gorm:"size:40;not null" json:"event_type"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_inv_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_inv_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func newOutboxRecord(e *InventoryEvent) (*InventoryOutboxRecord, error) {
	msg := eventMessage(e)
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &InventoryOutboxRecord{
		OrganizationId: e.OrganizationId,
		EventId:        e.ID,
		EventKey:       e.EventKey,
		EventType:      e.EventType,
		Payload:        payload,
		PublishStatus:  OutboxPublishStatusPending,
		CorrelationId:  e.CorrelationId,
	}, nil
}

func eventMessage(e *InventoryEvent) config.InventoryEventMessage {
	return config.InventoryEventMessage{
		OrganizationId: e.OrganizationId,
		EventKey:       e.EventKey,
		EventType:      string(e.EventType),
		BatchId:        e.BatchId,
		AllocationId:   e.AllocationId,
		OrderItemId:    e.OrderItemId,
		QuantityChange: e.QuantityChange,
		ActorId:        e.ActorId,
		OccurredAt:     e.OccurredAt,
		Metadata:       json.RawMessage(e.Metadata),
		CorrelationId:  e.CorrelationId,
	}
}

// ToMessage decodes the stored payload and stamps the outbox id.
func (r *InventoryOutboxRecord) ToMessage() (config.InventoryEventMessage, error) {
	var msg config.InventoryEventMessage
	if err := json.Unmarshal(r.Payload, &msg); err != nil {
		return msg, err
	}
	msg.OutboxId = r.ID
	return msg, nil
}
