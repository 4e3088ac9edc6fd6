package canvasapi

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sharedcanvas/project/internal/canvas"
	"github.com/sharedcanvas/project/internal/contracts"
)

func TestOutbox_EmptyCanvasSendsEmptyObjects(t *testing.T) {
	out := newOutbox()
	out.setObjects(contracts.Snapshot{{ID: "a"}})
	out.setObjects(nil)

	frames := out.drain()
	if len(frames) != 1 || frames[0].Type != "objects" {
		t.Fatalf("expected one coalesced objects frame, got %+v", frames)
	}
	raw, err := json.Marshal(frames[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"objects":[]`) {
		t.Fatalf("expected an explicit empty object list, got %s", raw)
	}
}

func TestOutbox_DrainOrdersStateBeforeReplies(t *testing.T) {
	out := newOutbox()
	ok := true
	out.reply(serverFrame{Type: "ack", RequestID: "r1", OK: &ok})
	out.setHistory(canvas.Status{Index: 0, Length: 1})
	out.setObjects(contracts.Snapshot{{ID: "a"}})

	frames := out.drain()
	if len(frames) != 3 || frames[0].Type != "objects" || frames[1].Type != "history" || frames[2].RequestID != "r1" {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if again := out.drain(); len(again) != 0 {
		t.Fatalf("expected drained outbox to be empty, got %+v", again)
	}
}
