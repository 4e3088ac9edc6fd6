package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/platform/metrics"
	"github.com/sharedcanvas/project/internal/sharding"
)

const createObjectsTableSQL = `
CREATE TABLE IF NOT EXISTS canvas_objects (
  canvas_id text NOT NULL,
  object_id text NOT NULL,
  doc jsonb NOT NULL,
  z_index integer NOT NULL DEFAULT 0,
  created_at bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (canvas_id, object_id)
)`

const createObjectsOrderIndexSQL = `
CREATE INDEX IF NOT EXISTS canvas_objects_draw_order
ON canvas_objects (canvas_id, z_index, created_at, object_id)`

const upsertObjectSQL = `
INSERT INTO canvas_objects (canvas_id, object_id, doc, z_index, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $5, now())
ON CONFLICT (canvas_id, object_id) DO UPDATE
SET doc = EXCLUDED.doc,
    z_index = EXCLUDED.z_index,
    created_at = EXCLUDED.created_at,
    updated_at = now()
`

const mergeObjectSQL = `
UPDATE canvas_objects
SET doc = doc || $3::jsonb,
    z_index = COALESCE(($3::jsonb ->> 'zIndex')::integer, z_index),
    updated_at = now()
WHERE canvas_id = $1 AND object_id = $2
`

const deleteObjectSQL = `
DELETE FROM canvas_objects
WHERE canvas_id = $1 AND object_id = $2
`

const listObjectsSQL = `
SELECT doc
FROM canvas_objects
WHERE canvas_id = $1
ORDER BY z_index, created_at, object_id
`

type PublishFunc func(subject string, payload []byte) error

// PostgresStore persists objects as jsonb documents and announces every
// write on the canvas event subject. Subscribers re-read the table when
// notified, so they always observe the full current document set.
//
// A committed write is never reported as failed because its announcement
// could not be published; the failure is logged and the next announced
// write refreshes subscribers.
type PostgresStore struct {
	Pool    *pgxpool.Pool
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string

	logger zerolog.Logger
	feeds  *FeedRegistry
}

func NewPostgresStore(pool *pgxpool.Pool, publish PublishFunc, source EventSource, logger zerolog.Logger) *PostgresStore {
	s := &PostgresStore{
		Pool:    pool,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
		logger:  logger,
	}
	s.feeds = NewFeedRegistry(source, s, logger)
	return s
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createObjectsTableSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createObjectsOrderIndexSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, canvasID string, obj contracts.CanvasObject) error {
	start := time.Now()
	doc, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode object %s: %w", obj.ID, err)
	}
	_, err = s.Pool.Exec(ctx, upsertObjectSQL, canvasID, obj.ID, doc, obj.ZIndex, obj.CreatedAt)
	observeWrite("put", start, err)
	if err != nil {
		return err
	}
	s.announce(ctx, canvasID, obj.ID, contracts.ObjectPut)
	return nil
}

func (s *PostgresStore) Merge(ctx context.Context, canvasID, objectID string, patch contracts.ObjectPatch) error {
	start := time.Now()
	doc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch for %s: %w", objectID, err)
	}
	tag, err := s.Pool.Exec(ctx, mergeObjectSQL, canvasID, objectID, doc)
	observeWrite("merge", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.announce(ctx, canvasID, objectID, contracts.ObjectMerged)
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, canvasID, objectID string) error {
	start := time.Now()
	_, err := s.Pool.Exec(ctx, deleteObjectSQL, canvasID, objectID)
	observeWrite("delete", start, err)
	if err != nil {
		return err
	}
	s.announce(ctx, canvasID, objectID, contracts.ObjectDelete)
	return nil
}

func (s *PostgresStore) List(ctx context.Context, canvasID string) (contracts.Snapshot, error) {
	rows, err := s.Pool.Query(ctx, listObjectsSQL, canvasID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := contracts.Snapshot{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var obj contracts.CanvasObject
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil, fmt.Errorf("decode object document: %w", err)
		}
		result = append(result, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Re-sort in Go so ties break exactly like the in-memory cache.
	contracts.SortDrawOrder(result)
	return result, nil
}

func (s *PostgresStore) Subscribe(canvasID string, onUpdate func(Update)) (func(), error) {
	return s.feeds.Subscribe(canvasID, onUpdate)
}

func (s *PostgresStore) announce(ctx context.Context, canvasID, objectID, eventType string) {
	if err := s.publishEvent(ctx, canvasID, objectID, eventType); err != nil {
		metrics.StoreWrites.WithLabelValues("announce", metrics.Outcome(err)).Inc()
		s.logger.Error().Err(err).
			Str("canvas", canvasID).
			Str("object", objectID).
			Str("event", eventType).
			Msg("object write committed but not announced")
	}
}

func (s *PostgresStore) publishEvent(ctx context.Context, canvasID, objectID, eventType string) error {
	event := contracts.ObjectEvent{
		EventID:    s.NewID(),
		CanvasID:   canvasID,
		ObjectID:   objectID,
		EventType:  eventType,
		Origin:     OriginFrom(ctx),
		OccurredAt: s.Now(),
		ShardID:    sharding.GetShardID(canvasID),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.Publish(sharding.CanvasSubject(canvasID), payload); err != nil {
		return fmt.Errorf("publish %s for %s: %w", eventType, objectID, err)
	}
	return nil
}

func observeWrite(op string, start time.Time, err error) {
	metrics.StoreWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.StoreWrites.WithLabelValues(op, metrics.Outcome(err)).Inc()
}
