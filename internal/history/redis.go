package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/contracts"
)

// RedisLog keeps each canvas timeline in three keys (snapshots, index,
// version) and announces changes on a pub/sub channel. Conditional writes
// use WATCH on the version key.
type RedisLog struct {
	Client *redis.Client
	Prefix string
	logger zerolog.Logger
}

func NewRedisLog(client *redis.Client, logger zerolog.Logger) *RedisLog {
	return &RedisLog{Client: client, Prefix: "canvas", logger: logger}
}

func (l *RedisLog) snapshotsKey(canvasID string) string {
	return fmt.Sprintf("%s:%s:history:snapshots", l.Prefix, canvasID)
}

func (l *RedisLog) indexKey(canvasID string) string {
	return fmt.Sprintf("%s:%s:history:index", l.Prefix, canvasID)
}

func (l *RedisLog) versionKey(canvasID string) string {
	return fmt.Sprintf("%s:%s:history:version", l.Prefix, canvasID)
}

func (l *RedisLog) channel(canvasID string) string {
	return fmt.Sprintf("%s:%s:history:events", l.Prefix, canvasID)
}

func (l *RedisLog) Read(ctx context.Context, canvasID string) (State, error) {
	values, err := l.Client.MGet(ctx, l.snapshotsKey(canvasID), l.indexKey(canvasID), l.versionKey(canvasID)).Result()
	if err != nil {
		return State{}, err
	}
	return decodeRedisState(values)
}

func decodeRedisState(values []any) (State, error) {
	state := Empty()
	if len(values) != 3 {
		return State{}, fmt.Errorf("unexpected history reply length %d", len(values))
	}
	if raw, ok := values[0].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.Snapshots); err != nil {
			return State{}, fmt.Errorf("decode history snapshots: %w", err)
		}
	}
	if raw, ok := values[1].(string); ok {
		index, err := strconv.Atoi(raw)
		if err != nil {
			return State{}, fmt.Errorf("decode history index: %w", err)
		}
		state.Index = index
	}
	if raw, ok := values[2].(string); ok {
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("decode history version: %w", err)
		}
		state.Version = version
	}
	if state.Index >= len(state.Snapshots) {
		state.Index = len(state.Snapshots) - 1
	}
	return state, nil
}

func (l *RedisLog) Write(ctx context.Context, canvasID string, state State) (int64, error) {
	payload, err := json.Marshal(state.Snapshots)
	if err != nil {
		return 0, fmt.Errorf("encode history snapshots: %w", err)
	}

	var next int64
	err = l.Client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readVersion(ctx, tx, l.versionKey(canvasID))
		if err != nil {
			return err
		}
		if current != state.Version {
			return ErrVersionConflict
		}
		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, l.snapshotsKey(canvasID), payload, 0)
			pipe.Set(ctx, l.indexKey(canvasID), state.Index, 0)
			pipe.Set(ctx, l.versionKey(canvasID), next, 0)
			return nil
		})
		return err
	}, l.versionKey(canvasID))
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}

	l.announce(ctx, contracts.HistoryEvent{CanvasID: canvasID, Index: state.Index, Length: len(state.Snapshots), Version: next})
	return next, nil
}

func (l *RedisLog) WriteIndex(ctx context.Context, canvasID string, index int, version int64) (int64, error) {
	var (
		next   int64
		length int
	)
	err := l.Client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readVersion(ctx, tx, l.versionKey(canvasID))
		if err != nil {
			return err
		}
		if current != version {
			return ErrVersionConflict
		}
		raw, err := tx.Get(ctx, l.snapshotsKey(canvasID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var snapshots []contracts.Snapshot
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &snapshots); err != nil {
				return fmt.Errorf("decode history snapshots: %w", err)
			}
		}
		length = len(snapshots)
		if index < 0 || index >= length {
			return ErrIndexOutOfRange
		}
		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, l.indexKey(canvasID), index, 0)
			pipe.Set(ctx, l.versionKey(canvasID), next, 0)
			return nil
		})
		return err
	}, l.versionKey(canvasID), l.snapshotsKey(canvasID))
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}

	l.announce(ctx, contracts.HistoryEvent{CanvasID: canvasID, Index: index, Length: length, Version: next})
	return next, nil
}

func (l *RedisLog) Subscribe(canvasID string, onChange func(contracts.HistoryEvent)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := l.Client.Subscribe(ctx, l.channel(canvasID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var event contracts.HistoryEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				l.logger.Warn().Err(err).Str("canvas", canvasID).Msg("discarding invalid history event")
				continue
			}
			onChange(event)
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
		<-done
	}, nil
}

func (l *RedisLog) announce(ctx context.Context, event contracts.HistoryEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := l.Client.Publish(ctx, l.channel(event.CanvasID), payload).Err(); err != nil {
		l.logger.Warn().Err(err).Str("canvas", event.CanvasID).Msg("publish history event")
	}
}

func readVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	version, err := tx.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return version, err
}
