package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	CanvasEventsStream  = "CANVAS_EVENTS"
	CanvasEventsSubject = "app.event.*.canvas.>"
)

// canvasEventsMaxAge bounds replay: subscribers only ever start from new
// messages, so old notifications are worthless.
const canvasEventsMaxAge = time.Hour

// EnsureStreams creates (or validates) the object-event stream.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(CanvasEventsStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      CanvasEventsStream,
			Subjects:  []string{CanvasEventsSubject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    canvasEventsMaxAge,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
