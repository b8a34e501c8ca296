package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atticlabs/attic/pkg/semantic"

	"github.com/rabbitmq/amqp091-go"
)

// EmbedTaskMsg is the payload on embed_queue.
type EmbedTaskMsg struct {
	EntityID string `json:"entity_id"`
}

// EmbedPublisher publishes embed tasks over one channel. It satisfies the
// sync coordinator's publisher seam.
type EmbedPublisher struct {
	ch *amqp091.Channel
}

func NewEmbedPublisher(ch *amqp091.Channel) *EmbedPublisher {
	return &EmbedPublisher{ch: ch}
}

func (p *EmbedPublisher) PublishEmbed(entityID string) error {
	data, err := json.Marshal(EmbedTaskMsg{EntityID: entityID})
	if err != nil {
		return err
	}
	return PublishFIFO(p.ch, EmbedQueue, data)
}

// ProcessEmbedMessage handles one embed task. A returned error sends the
// message through the retry flow.
func ProcessEmbedMessage(ctx context.Context, indexer *semantic.Indexer, msg string) error {
	data := new(EmbedTaskMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return err
	}
	if data.EntityID == "" {
		return fmt.Errorf("embed task without entity id")
	}
	return indexer.EmbedEntity(ctx, data.EntityID)
}
