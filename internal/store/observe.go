package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

// bus carries post-commit entity snapshots to observers. One topic per
// entity type; payloads are JSON snapshots of the committed row.
type bus struct {
	pubsub *gochannel.GoChannel
}

func newBus() *bus {
	return &bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
	}
}

func (b *bus) publish(topic string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(topic, msg)
}

func (b *bus) Close() {
	_ = b.pubsub.Close()
}

func (s *Store) publishSnapshot(et model.EntityType, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal snapshot", zap.String("entity_type", string(et)), zap.Error(err))
		return
	}
	if err := s.bus.publish(string(et), payload); err != nil {
		s.logger.Error("failed to publish snapshot", zap.String("entity_type", string(et)), zap.Error(err))
	}
}

// observe subscribes to a topic and decodes each snapshot into T, forwarding
// the ones the predicate matches. A nil predicate matches everything. The
// returned channel closes when ctx is cancelled.
func observe[T any](ctx context.Context, s *Store, et model.EntityType, match func(*T) bool) (<-chan *T, error) {
	msgs, err := s.bus.pubsub.Subscribe(ctx, string(et))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", et, err)
	}

	out := make(chan *T, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var v T
			if err := json.Unmarshal(msg.Payload, &v); err != nil {
				s.logger.Warn("dropping undecodable snapshot", zap.String("entity_type", string(et)), zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			if match != nil && !match(&v) {
				continue
			}
			select {
			case out <- &v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ObserveAssignments streams post-commit assignment snapshots matching the
// predicate until ctx is cancelled.
func (s *Store) ObserveAssignments(ctx context.Context, match func(*model.Assignment) bool) (<-chan *model.Assignment, error) {
	return observe[model.Assignment](ctx, s, model.EntityAssignment, match)
}

// ObserveTasks streams post-commit task snapshots matching the predicate.
func (s *Store) ObserveTasks(ctx context.Context, match func(*model.AssignmentTask) bool) (<-chan *model.AssignmentTask, error) {
	return observe[model.AssignmentTask](ctx, s, model.EntityTask, match)
}

// ObserveObservations streams post-commit observation snapshots matching the
// predicate.
func (s *Store) ObserveObservations(ctx context.Context, match func(*model.Observation) bool) (<-chan *model.Observation, error) {
	return observe[model.Observation](ctx, s, model.EntityObservation, match)
}
