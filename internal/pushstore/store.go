// Package pushstore is the real-time push feed of live calls, kept in Redis.
// Live calls sit in a hash keyed by call id; every write is also published on
// a channel so subscribers see added, modified and removed changes.
package pushstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/domain"
)

const subscriberBuffer = 64

// Store publishes call changes and serves active-call subscriptions.
type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// New returns a Store using keys under prefix.
func New(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = "calls"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) activeKey() string  { return s.prefix + ":active" }
func (s *Store) changesKey() string { return s.prefix + ":changes" }

// Publish records call in the active set (or removes it once ENDED) and
// broadcasts the resulting change.
func (s *Store) Publish(ctx context.Context, call domain.CallSession) (domain.ChangeType, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("marshal call: %w", err)
	}

	var typ domain.ChangeType
	if call.Status.Live() {
		added, err := s.client.HSet(ctx, s.activeKey(), call.ID, data).Result()
		if err != nil {
			return "", fmt.Errorf("store active call: %w", err)
		}
		typ = domain.ChangeModified
		if added > 0 {
			typ = domain.ChangeAdded
		}
	} else {
		removed, err := s.client.HDel(ctx, s.activeKey(), call.ID).Result()
		if err != nil {
			return "", fmt.Errorf("remove active call: %w", err)
		}
		if removed == 0 {
			return "", nil
		}
		typ = domain.ChangeRemoved
	}

	payload, err := json.Marshal(domain.CallChange{Type: typ, Call: call})
	if err != nil {
		return "", fmt.Errorf("marshal change: %w", err)
	}
	if err := s.client.Publish(ctx, s.changesKey(), payload).Err(); err != nil {
		return "", fmt.Errorf("publish change: %w", err)
	}
	return typ, nil
}

// Active returns the live calls currently in the feed.
func (s *Store) Active(ctx context.Context) ([]domain.CallSession, error) {
	values, err := s.client.HGetAll(ctx, s.activeKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load active calls: %w", err)
	}
	calls := make([]domain.CallSession, 0, len(values))
	for id, raw := range values {
		var call domain.CallSession
		if err := json.Unmarshal([]byte(raw), &call); err != nil {
			s.logger.Warn("skipping undecodable active call", zap.String("call_id", id), zap.Error(err))
			continue
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// SubscribeActiveCalls delivers the current live calls with one of statuses
// as added changes, then streams later changes. A call moving to a status
// outside the set is delivered as removed. onError is called once when the
// subscription breaks before ctx ends; the channel is closed afterwards.
func (s *Store) SubscribeActiveCalls(ctx context.Context, statuses []domain.CallStatus, onError func(error)) (<-chan domain.CallChange, error) {
	pubsub := s.client.Subscribe(ctx, s.changesKey())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportDenied, err)
	}

	initial, err := s.Active(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan domain.CallChange, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close() //nolint:errcheck

		for _, call := range initial {
			change, ok := filterChange(domain.CallChange{Type: domain.ChangeAdded, Call: call}, statuses)
			if !ok {
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					if ctx.Err() == nil && onError != nil {
						onError(domain.ErrTransportClosed)
					}
					return
				}
				var change domain.CallChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.logger.Warn("skipping undecodable change", zap.Error(err))
					continue
				}
				change, keep := filterChange(change, statuses)
				if !keep {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// filterChange applies a status query to a change.
func filterChange(change domain.CallChange, statuses []domain.CallStatus) (domain.CallChange, bool) {
	if len(statuses) == 0 || change.Type == domain.ChangeRemoved {
		return change, true
	}
	if slices.Contains(statuses, change.Call.Status) {
		return change, true
	}
	if change.Type == domain.ChangeModified {
		change.Type = domain.ChangeRemoved
		return change, true
	}
	return change, false
}
