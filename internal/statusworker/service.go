package statusworker

import (
	"context"
	"encoding/json"
	"fmt"

	kafkax "github.com/ariefcatur/go-order-engine/internal/kafka"
	"github.com/ariefcatur/go-order-engine/internal/orders"
	"github.com/ariefcatur/go-order-engine/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Service keeps the Redis order cache in sync with published order
// events: full documents are cached on create/amend, and entries are
// evicted on status changes and deletes so the next read hits the store.
type Service struct {
	Redis *redis.Client
	Log   *zap.Logger
}

// HandleOrderEvent is installed as the consumer handler for order.events.
func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// poison message; skip rather than block the partition
		s.Log.Warn("bad envelope", zap.Error(err))
		return nil
	}
	if env.CorrelationID == "" {
		return nil
	}

	// dedup via Redis on event_id
	dkey := fmt.Sprintf(redisx.KeyDedup, "statusworker", env.EventID)
	if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
		return nil
	}
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

	key := fmt.Sprintf(redisx.KeyOrder, env.CorrelationID)
	switch env.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.cache(ctx, key, p.Order)
	case orders.EventOrderAmended:
		p, err := kafkax.UnwrapPayload[orders.OrderAmendedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.cache(ctx, key, p.Order)
	case orders.EventOrderStatusChanged, orders.EventOrderDeleted:
		return s.Redis.Del(ctx, key).Err()
	}
	return nil // unknown event types are ignored
}

func (s *Service) cache(ctx context.Context, key string, o orders.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := s.Redis.Set(ctx, key, b, redisx.TTLOrderCache).Err(); err != nil {
		s.Log.Warn("cache order", zap.String("key", key), zap.Error(err))
	}
	return nil
}
