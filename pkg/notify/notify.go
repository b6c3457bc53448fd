// Package notify publishes catalog-change events to Redis pub/sub so
// an external collaborator can observe updates without polling
// read_all(). It is entirely optional: a Publisher backed by an empty
// address is never constructed, and the gateway runs standalone.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/gm3-gateway/pkg/address"
)

const batchChannel = "gm3-gateway:poll"

// Publisher fans out catalog events over Redis pub/sub.
type Publisher struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr and verifies reachability with a PING. Callers
// should only construct a Publisher when REDIS_ADDR is configured;
// there is no "disabled" value of Publisher itself.
func New(addr, password string, db int) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("notify: connecting to redis at %s: %w", addr, err)
	}

	return &Publisher{client: client, ctx: ctx}, nil
}

// PublishBatch announces that a polling batch for space updated n
// catalog entries. Implements polling.Notifier.
func (p *Publisher) PublishBatch(space address.Space, updated int) {
	msg := fmt.Sprintf("%s:%d", space, updated)
	if err := p.client.Publish(p.ctx, batchChannel, msg).Err(); err != nil {
		// Best-effort: a notify failure must never affect polling itself.
		return
	}
}

// PublishWrite announces a single successful parameter write.
func (p *Publisher) PublishWrite(catalogIndex uint32, name string) {
	msg := fmt.Sprintf("%d:%s", catalogIndex, name)
	_ = p.client.Publish(p.ctx, "gm3-gateway:write", msg).Err()
}

// Close releases the underlying Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
