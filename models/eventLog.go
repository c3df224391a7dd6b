package models

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultEventPageSize = 200

// NewInventoryEvent is what a caller supplies to Append; the log stamps identity, actor and time.
type NewInventoryEvent struct {
	BatchId        *int
	AllocationId   *int
	OrderItemId    string
	ProductId      *int
	Type           EventType
	QuantityChange int
	Payload        EventPayload
}

// EventFilter narrows a Query. Zero values match everything in the organization.
type EventFilter struct {
	BatchId      *int
	AllocationId *int
	OrderItemId  string
	Types        []EventType
}

// EventLog is the append-only record of every inventory change.
type EventLog struct {
	db       *gorm.DB
	outbox   bool
	pageSize int
	now      func() time.Time
}

type EventLogOption func(*EventLog)

// WithOutbox writes an InventoryOutboxRecord next to every appended event.
func WithOutbox(enabled bool) EventLogOption {
	return func(l *EventLog) { l.outbox = enabled }
}

func WithEventPageSize(n int) EventLogOption {
	return func(l *EventLog) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithEventClock sets the clock that stamps OccurredAt.
func WithEventClock(now func() time.Time) EventLogOption {
	return func(l *EventLog) { l.now = now }
}

func NewEventLog(db *gorm.DB, opts ...EventLogOption) *EventLog {
	l := &EventLog{
		db:       db,
		outbox:   config.InventoryOutboxEnabled(),
		pageSize: defaultEventPageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var errAppendOutsideTx = errors.New("inventory events must be appended inside a transaction")

// Append writes one event within tx. The event commits or rolls back with the caller's state change.
func (l *EventLog) Append(tx *gorm.DB, in NewInventoryEvent) (*InventoryEvent, error) {
	if _, ok := tx.Statement.ConnPool.(gorm.TxCommitter); !ok {
		return nil, errAppendOutsideTx
	}
	ctx := tx.Statement.Context
	scope, err := ScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkPayload(in.Type, in.Payload); err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	event := &InventoryEvent{
		EventKey:       uuid.NewString(),
		OrganizationId: scope.OrganizationId,
		BatchId:        in.BatchId,
		AllocationId:   in.AllocationId,
		OrderItemId:    in.OrderItemId,
		ProductId:      in.ProductId,
		EventType:      in.Type,
		QuantityChange: in.QuantityChange,
		ActorId:        scope.ActorId,
		CorrelationId:  correlationId,
		OccurredAt:     l.now(),
		Metadata:       datatypes.JSON(metadata),
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, err
	}
	if l.outbox {
		record, err := newOutboxRecord(event)
		if err != nil {
			return nil, err
		}
		if err := tx.Create(record).Error; err != nil {
			return nil, err
		}
	}
	return event, nil
}

// Query streams matching events in append (id) order. Pages are fetched lazily by keyset,
// so a caller may stop early and a new call restarts from the beginning.
// Appends for one batch serialize on the batch row, so a batch's history never has gaps.
// A query spanning batches can miss a row whose transaction commits after a later id was
// already paged past; querying again picks it up.
func (l *EventLog) Query(ctx context.Context, filter EventFilter) iter.Seq2[*InventoryEvent, error] {
	return func(yield func(*InventoryEvent, error) bool) {
		orgId, ok := utils.GetOrganizationIdFromContext(ctx)
		if !ok || orgId == "" {
			yield(nil, ErrMissingScope)
			return
		}
		var lastId int64
		for {
			q := l.db.WithContext(ctx).Model(&InventoryEvent{}).Where("organization_id = ? AND id > ?", orgId, lastId)
			q = filter.apply(q)
			var page []*InventoryEvent
			if err := q.Order("id ASC").Limit(l.pageSize).Find(&page).Error; err != nil {
				yield(nil, classifyStoreError("EventLog.Query", err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < l.pageSize {
				return
			}
			lastId = page[len(page)-1].ID
		}
	}
}

// Collect drains Query into a slice.
func (l *EventLog) Collect(ctx context.Context, filter EventFilter) ([]*InventoryEvent, error) {
	var events []*InventoryEvent
	for e, err := range l.Query(ctx, filter) {
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (f EventFilter) apply(q *gorm.DB) *gorm.DB {
	if f.BatchId != nil {
		q = q.Where("batch_id = ?", *f.BatchId)
	}
	if f.AllocationId != nil {
		q = q.Where("allocation_id = ?", *f.AllocationId)
	}
	if f.OrderItemId != "" {
		q = q.Where("order_item_id = ?", f.OrderItemId)
	}
	if len(f.Types) > 0 {
		q = q.Where("event_type IN ?", f.Types)
	}
	return q
}
