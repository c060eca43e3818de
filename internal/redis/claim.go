package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// claimTTL bounds how long a send claim is held. A dispatcher that
// crashes mid-send stops blocking the delivery once the claim expires;
// by then the database row has been released back to pending or marked
// failed by the retry sweep.
const claimTTL = 5 * time.Minute

// SendGuard is a fast-path duplicate-send barrier for the dispatcher.
// The database claim (pending -> sending under SKIP LOCKED) is the
// authoritative one; the guard adds a cheap cross-process check so a
// delivery redelivered through two dispatcher replicas in the same
// window is only handed to transport once.
type SendGuard struct {
	client *Client
	logger *zap.Logger
}

// NewSendGuard creates a SendGuard.
func NewSendGuard(client *Client, logger *zap.Logger) *SendGuard {
	return &SendGuard{client: client, logger: logger}
}

func (g *SendGuard) key(deliveryID uuid.UUID) string {
	return fmt.Sprintf("send_claim:%s", deliveryID)
}

// Acquire claims the delivery for sending. Returns false if another
// process already holds the claim.
func (g *SendGuard) Acquire(ctx context.Context, deliveryID uuid.UUID) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, g.key(deliveryID), "1", claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		g.logger.Debug("send claim already held",
			zap.String("delivery_id", deliveryID.String()),
		)
	}
	return set, nil
}

// Release drops the claim so a retry of the same delivery is not
// blocked until the TTL expires.
func (g *SendGuard) Release(ctx context.Context, deliveryID uuid.UUID) error {
	if err := g.client.rdb.Del(ctx, g.key(deliveryID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
