package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sharedcanvas/project/internal/contracts"
	"github.com/sharedcanvas/project/internal/sharding"
)

func newAnnouncingStore(publish PublishFunc, logs *bytes.Buffer) *PostgresStore {
	return &PostgresStore{
		Publish: publish,
		Now:     func() time.Time { return time.UnixMilli(1000).UTC() },
		NewID:   func() string { return "evt-1" },
		logger:  zerolog.New(logs),
	}
}

func TestPostgresStore_AnnounceCarriesOrigin(t *testing.T) {
	var subject string
	var event contracts.ObjectEvent
	var logs bytes.Buffer
	s := newAnnouncingStore(func(subj string, payload []byte) error {
		subject = subj
		return json.Unmarshal(payload, &event)
	}, &logs)

	s.announce(WithOrigin(context.Background(), "tx-1"), "c1", "a", contracts.ObjectPut)

	if subject != sharding.CanvasSubject("c1") {
		t.Fatalf("expected canvas subject, got %q", subject)
	}
	if event.Origin != "tx-1" || event.ObjectID != "a" || event.EventType != contracts.ObjectPut {
		t.Fatalf("unexpected event %+v", event)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log output, got %s", logs.String())
	}
}

func TestPostgresStore_PublishFailureIsLoggedNotReturned(t *testing.T) {
	var logs bytes.Buffer
	calls := 0
	s := newAnnouncingStore(func(string, []byte) error {
		calls++
		return errors.New("nats down")
	}, &logs)

	s.announce(context.Background(), "c1", "a", contracts.ObjectMerged)

	if calls != 1 {
		t.Fatalf("expected one publish attempt, got %d", calls)
	}
	line := logs.String()
	if !strings.Contains(line, "committed but not announced") || !strings.Contains(line, "nats down") || !strings.Contains(line, `"object":"a"`) {
		t.Fatalf("expected publish failure to be logged, got %s", line)
	}
}
