package dedup

import (
	"context"
	"fmt"
	"time"

	"ms-subscriptions/internal/logger"

	"github.com/go-redis/redis/v8"
)

const defaultTTL = 24 * time.Hour

// Guard remembers processed webhook event ids so redelivered events are
// dropped. The guard errs on the side of processing: if Redis is down the
// event is treated as first delivery and downstream handlers rely on
// first-write-wins semantics instead.
type Guard struct {
	Client *redis.Client
	TTL    time.Duration
	Logger *logger.Logger
}

func NewGuard(client *redis.Client, log *logger.Logger) *Guard {
	return &Guard{
		Client: client,
		TTL:    defaultTTL,
		Logger: log,
	}
}

// FirstDelivery returns true if this event id has not been seen inside the
// TTL window. The claim and the check are one SetNX round trip.
func (g *Guard) FirstDelivery(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return true
	}

	key := "webhook:event:" + eventID
	ok, err := g.Client.SetNX(ctx, key, time.Now().Unix(), g.TTL).Result()
	if err != nil {
		g.Logger.Warn("DEDUP", fmt.Sprintf("Redis unavailable for event %s, processing anyway: %v", eventID, err))
		return true
	}
	if !ok {
		g.Logger.Info("DEDUP", fmt.Sprintf("Duplicate webhook event %s dropped", eventID))
	}
	return ok
}
