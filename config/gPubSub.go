package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// InventoryEventMessage is the wire shape published for every committed inventory event.
type InventoryEventMessage struct {
	OutboxId       int             `json:"outbox_id"`
	OrganizationId string          `json:"organization_id"`
	EventKey       string          `json:"event_key"`
	EventType      string          `json:"event_type"`
	BatchId        *int            `json:"batch_id,omitempty"`
	AllocationId   *int            `json:"allocation_id,omitempty"`
	OrderItemId    string          `json:"order_item_id,omitempty"`
	QuantityChange int             `json:"quantity_change"`
	ActorId        string          `json:"actor_id"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CorrelationId  string          `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// InventoryEventsTopic is the topic committed inventory events are fanned out to.
func InventoryEventsTopic() string {
	if v := os.Getenv("INVENTORY_EVENTS_TOPIC"); v != "" {
		return v
	}
	return "inventory-events"
}

// PubSubPublisher publishes inventory events through Google Pub/Sub.
type PubSubPublisher struct {
	Topic string
}

func NewPubSubPublisher() *PubSubPublisher {
	return &PubSubPublisher{Topic: InventoryEventsTopic()}
}

// Publish publishes and returns the Pub/Sub server-assigned message ID.
// Messages are ordered per organization so downstream projections see one tenant's events in order.
func (p *PubSubPublisher) Publish(ctx context.Context, msg InventoryEventMessage) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	if p.Topic == "" {
		return "", errors.New("INVENTORY_EVENTS_TOPIC is required")
	}

	t := client.Topic(p.Topic)
	t.EnableMessageOrdering = true
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := t.Publish(ctx, &pubsub.Message{
		Data:        msgJSON,
		OrderingKey: msg.OrganizationId,
		Attributes: map[string]string{
			"event_type":      msg.EventType,
			"organization_id": msg.OrganizationId,
		},
	})

	id, err := result.Get(ctx)
	if err != nil {
		// Ordering keys pause after a failed publish; resume so the retry can go through.
		t.ResumePublish(msg.OrganizationId)
	}
	return id, err
}
