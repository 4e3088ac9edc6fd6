package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sharedcanvas/project/internal/contracts"
	bolt "go.etcd.io/bbolt"
)

var historyBucket = []byte("canvas_history")

// BoltLog stores timelines in a local bbolt file. It serves single-node
// deployments where every session runs in one process, so change
// notification stays in process.
type BoltLog struct {
	db     *bolt.DB
	events *notifier
}

func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltLog{db: db, events: newNotifier()}, nil
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}

func (l *BoltLog) Read(ctx context.Context, canvasID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	var state State
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		state, err = getState(tx.Bucket(historyBucket), canvasID)
		return err
	})
	return state, err
}

func (l *BoltLog) Write(ctx context.Context, canvasID string, state State) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next State
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(historyBucket)
		current, err := getState(bucket, canvasID)
		if err != nil {
			return err
		}
		if current.Version != state.Version {
			return ErrVersionConflict
		}
		next = state
		next.Version = current.Version + 1
		return putState(bucket, canvasID, next)
	})
	if err != nil {
		return 0, err
	}
	l.events.publish(next.Event(canvasID))
	return next.Version, nil
}

func (l *BoltLog) WriteIndex(ctx context.Context, canvasID string, index int, version int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next State
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(historyBucket)
		current, err := getState(bucket, canvasID)
		if err != nil {
			return err
		}
		if current.Version != version {
			return ErrVersionConflict
		}
		if index < 0 || index >= len(current.Snapshots) {
			return ErrIndexOutOfRange
		}
		current.Index = index
		current.Version++
		next = current
		return putState(bucket, canvasID, next)
	})
	if err != nil {
		return 0, err
	}
	l.events.publish(next.Event(canvasID))
	return next.Version, nil
}

func (l *BoltLog) Subscribe(canvasID string, onChange func(contracts.HistoryEvent)) (func(), error) {
	return l.events.subscribe(canvasID, onChange), nil
}

func getState(bucket *bolt.Bucket, canvasID string) (State, error) {
	raw := bucket.Get([]byte(canvasID))
	if raw == nil {
		return Empty(), nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("decode history for %s: %w", canvasID, err)
	}
	if state.Snapshots == nil {
		state.Snapshots = []contracts.Snapshot{}
	}
	return state, nil
}

func putState(bucket *bolt.Bucket, canvasID string, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode history for %s: %w", canvasID, err)
	}
	return bucket.Put([]byte(canvasID), raw)
}
