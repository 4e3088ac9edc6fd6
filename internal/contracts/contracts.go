package contracts

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

type ShapeType string

const (
	ShapeRect    ShapeType = "rect"
	ShapeCircle  ShapeType = "circle"
	ShapeLine    ShapeType = "line"
	ShapeText    ShapeType = "text"
	ShapePolygon ShapeType = "polygon"
	ShapeGroup   ShapeType = "group"
)

func IsValidShapeType(t ShapeType) bool {
	switch t {
	case ShapeRect, ShapeCircle, ShapeLine, ShapeText, ShapePolygon, ShapeGroup:
		return true
	default:
		return false
	}
}

// CanvasObject is one drawable entity. X and Y are the center of the shape
// except for lines, whose geometry lives in Points. Timestamps are unix
// milliseconds so documents survive JSON round trips unchanged. Seq is the
// creating client's insertion counter and orders objects created in the
// same millisecond.
type CanvasObject struct {
	ID             string    `json:"id"`
	Type           ShapeType `json:"type"`
	X              float64   `json:"x"`
	Y              float64   `json:"y"`
	Width          float64   `json:"width,omitempty"`
	Height         float64   `json:"height,omitempty"`
	Radius         float64   `json:"radius,omitempty"`
	Rotation       float64   `json:"rotation"`
	ZIndex         int       `json:"zIndex"`
	Fill           string    `json:"fill,omitempty"`
	Stroke         string    `json:"stroke,omitempty"`
	StrokeWidth    float64   `json:"strokeWidth,omitempty"`
	Opacity        float64   `json:"opacity,omitempty"`
	Text           string    `json:"text,omitempty"`
	FontSize       float64   `json:"fontSize,omitempty"`
	FontFamily     string    `json:"fontFamily,omitempty"`
	CornerRadius   float64   `json:"cornerRadius,omitempty"`
	Sides          int       `json:"sides,omitempty"`
	Points         []float64 `json:"points,omitempty"`
	GroupedObjects []string  `json:"groupedObjects,omitempty"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      int64     `json:"createdAt"`
	Seq            int64     `json:"seq,omitempty"`
	LastModified   int64     `json:"lastModified"`
}

// Clone returns a deep copy. Empty slices collapse to nil so that a clone
// compares equal to its own JSON round trip.
func (o CanvasObject) Clone() CanvasObject {
	c := o
	c.Points = cloneSlice(o.Points)
	c.GroupedObjects = cloneSlice(o.GroupedObjects)
	return c
}

func (o CanvasObject) Equal(other CanvasObject) bool {
	if !slices.Equal(o.Points, other.Points) || !slices.Equal(o.GroupedObjects, other.GroupedObjects) {
		return false
	}
	return o.ID == other.ID &&
		o.Type == other.Type &&
		o.X == other.X &&
		o.Y == other.Y &&
		o.Width == other.Width &&
		o.Height == other.Height &&
		o.Radius == other.Radius &&
		o.Rotation == other.Rotation &&
		o.ZIndex == other.ZIndex &&
		o.Fill == other.Fill &&
		o.Stroke == other.Stroke &&
		o.StrokeWidth == other.StrokeWidth &&
		o.Opacity == other.Opacity &&
		o.Text == other.Text &&
		o.FontSize == other.FontSize &&
		o.FontFamily == other.FontFamily &&
		o.CornerRadius == other.CornerRadius &&
		o.Sides == other.Sides &&
		o.CreatedBy == other.CreatedBy &&
		o.CreatedAt == other.CreatedAt &&
		o.Seq == other.Seq &&
		o.LastModified == other.LastModified
}

// ObjectPatch is a partial update. Nil fields are left untouched, both when
// applied to a cached object and when merged into the stored document.
type ObjectPatch struct {
	X              *float64   `json:"x,omitempty"`
	Y              *float64   `json:"y,omitempty"`
	Width          *float64   `json:"width,omitempty"`
	Height         *float64   `json:"height,omitempty"`
	Radius         *float64   `json:"radius,omitempty"`
	Rotation       *float64   `json:"rotation,omitempty"`
	ZIndex         *int       `json:"zIndex,omitempty"`
	Fill           *string    `json:"fill,omitempty"`
	Stroke         *string    `json:"stroke,omitempty"`
	StrokeWidth    *float64   `json:"strokeWidth,omitempty"`
	Opacity        *float64   `json:"opacity,omitempty"`
	Text           *string    `json:"text,omitempty"`
	FontSize       *float64   `json:"fontSize,omitempty"`
	FontFamily     *string    `json:"fontFamily,omitempty"`
	CornerRadius   *float64   `json:"cornerRadius,omitempty"`
	Sides          *int       `json:"sides,omitempty"`
	Points         *[]float64 `json:"points,omitempty"`
	GroupedObjects *[]string  `json:"groupedObjects,omitempty"`
	LastModified   *int64     `json:"lastModified,omitempty"`
}

func (p ObjectPatch) IsEmpty() bool {
	return p == ObjectPatch{}
}

func (p ObjectPatch) Apply(o CanvasObject) CanvasObject {
	out := o.Clone()
	setIf(&out.X, p.X)
	setIf(&out.Y, p.Y)
	setIf(&out.Width, p.Width)
	setIf(&out.Height, p.Height)
	setIf(&out.Radius, p.Radius)
	setIf(&out.Rotation, p.Rotation)
	setIf(&out.ZIndex, p.ZIndex)
	setIf(&out.Fill, p.Fill)
	setIf(&out.Stroke, p.Stroke)
	setIf(&out.StrokeWidth, p.StrokeWidth)
	setIf(&out.Opacity, p.Opacity)
	setIf(&out.Text, p.Text)
	setIf(&out.FontSize, p.FontSize)
	setIf(&out.FontFamily, p.FontFamily)
	setIf(&out.CornerRadius, p.CornerRadius)
	setIf(&out.Sides, p.Sides)
	setIf(&out.LastModified, p.LastModified)
	if p.Points != nil {
		out.Points = cloneSlice(*p.Points)
	}
	if p.GroupedObjects != nil {
		out.GroupedObjects = cloneSlice(*p.GroupedObjects)
	}
	return out
}

// Merge layers next over p: fields set in next win.
func (p ObjectPatch) Merge(next ObjectPatch) ObjectPatch {
	out := p
	setPtr(&out.X, next.X)
	setPtr(&out.Y, next.Y)
	setPtr(&out.Width, next.Width)
	setPtr(&out.Height, next.Height)
	setPtr(&out.Radius, next.Radius)
	setPtr(&out.Rotation, next.Rotation)
	setPtr(&out.ZIndex, next.ZIndex)
	setPtr(&out.Fill, next.Fill)
	setPtr(&out.Stroke, next.Stroke)
	setPtr(&out.StrokeWidth, next.StrokeWidth)
	setPtr(&out.Opacity, next.Opacity)
	setPtr(&out.Text, next.Text)
	setPtr(&out.FontSize, next.FontSize)
	setPtr(&out.FontFamily, next.FontFamily)
	setPtr(&out.CornerRadius, next.CornerRadius)
	setPtr(&out.Sides, next.Sides)
	setPtr(&out.Points, next.Points)
	setPtr(&out.GroupedObjects, next.GroupedObjects)
	setPtr(&out.LastModified, next.LastModified)
	return out
}

// WithLastModified returns a copy of the patch stamped with ts.
func (p ObjectPatch) WithLastModified(ts int64) ObjectPatch {
	p.LastModified = &ts
	return p
}

// Snapshot is a full copy of the canvas at one instant, in draw order.
type Snapshot []CanvasObject

func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := make(Snapshot, len(s))
	for i, obj := range s {
		out[i] = obj.Clone()
	}
	return out
}

func (s Snapshot) Equal(other Snapshot) bool {
	return slices.EqualFunc(s, other, CanvasObject.Equal)
}

func (s Snapshot) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s))
	for _, obj := range s {
		ids[obj.ID] = struct{}{}
	}
	return ids
}

const (
	ObjectPut    = "object.put"
	ObjectMerged = "object.merged"
	ObjectDelete = "object.deleted"
)

// ObjectEvent is published after every durable object write and consumed by
// realtime subscribers, including the writer itself.
type ObjectEvent struct {
	EventID    string    `json:"event_id"`
	CanvasID   string    `json:"canvas_id"`
	ObjectID   string    `json:"object_id"`
	EventType  string    `json:"event_type"`
	Origin     string    `json:"origin,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	ShardID    int       `json:"shard_id"`
}

// HistoryEvent announces that a canvas history log changed.
type HistoryEvent struct {
	CanvasID string `json:"canvas_id"`
	Index    int    `json:"index"`
	Length   int    `json:"length"`
	Version  int64  `json:"version"`
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setPtr[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

func cloneSlice[T any](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	return slices.Clone(in)
}

// SortDrawOrder orders objects back to front: zIndex, then insertion order
// (creation time, then Seq), then id so ties resolve the same way on every
// client.
func SortDrawOrder(s Snapshot) {
	slices.SortStableFunc(s, func(a, b CanvasObject) int {
		return cmp.Or(
			cmp.Compare(a.ZIndex, b.ZIndex),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
			cmp.Compare(a.Seq, b.Seq),
			strings.Compare(a.ID, b.ID),
		)
	})
}
