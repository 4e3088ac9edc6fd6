package contracts

import (
	"encoding/json"
	"testing"
)

func TestObjectPatch_ApplyLeavesUnsetFields(t *testing.T) {
	obj := CanvasObject{ID: "a", Type: ShapeRect, X: 1, Y: 2, Fill: "red", Points: []float64{1, 2}}
	x := 10.0
	got := ObjectPatch{X: &x}.Apply(obj)

	if got.X != 10 || got.Y != 2 || got.Fill != "red" {
		t.Fatalf("unexpected result: %+v", got)
	}
	got.Points[0] = 99
	if obj.Points[0] != 1 {
		t.Fatal("Apply aliased the source slice")
	}
}

func TestObjectPatch_MergeLaterFieldsWin(t *testing.T) {
	first, second, y := 1.0, 2.0, 5.0
	merged := ObjectPatch{X: &first, Y: &y}.Merge(ObjectPatch{X: &second})

	if *merged.X != 2 || *merged.Y != 5 {
		t.Fatalf("unexpected merge: x=%v y=%v", *merged.X, *merged.Y)
	}
	if !(ObjectPatch{}).IsEmpty() || merged.IsEmpty() {
		t.Fatal("IsEmpty mismatch")
	}
}

func TestObjectPatch_JSONOmitsUnsetFields(t *testing.T) {
	fill := "#fff"
	raw, err := json.Marshal(ObjectPatch{Fill: &fill}.WithLastModified(42))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(raw) != `{"fill":"#fff","lastModified":42}` {
		t.Fatalf("unexpected json: %s", raw)
	}
}

func TestSnapshot_EqualTreatsEmptyAndNilSlicesAlike(t *testing.T) {
	a := Snapshot{{ID: "a", Type: ShapeLine, Points: []float64{}}}.Clone()
	raw, _ := json.Marshal(a)
	var b Snapshot
	if err := json.Unmarshal(raw, &b); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected round trip to compare equal: %+v vs %+v", a, b)
	}
	if (Snapshot(nil)).Clone() == nil {
		t.Fatal("expected Clone of nil to be empty, not nil")
	}
}

func TestSnapshot_EqualDetectsFieldChange(t *testing.T) {
	a := Snapshot{{ID: "a", Type: ShapeRect, Rotation: 0}}
	b := a.Clone()
	b[0].Rotation = 15
	if a.Equal(b) {
		t.Fatal("expected rotation change to be detected")
	}
}

func TestSortDrawOrder(t *testing.T) {
	s := Snapshot{
		{ID: "c", ZIndex: 1, CreatedAt: 1},
		{ID: "b", ZIndex: 0, CreatedAt: 5},
		{ID: "a", ZIndex: 0, CreatedAt: 5},
		{ID: "d", ZIndex: 0, CreatedAt: 1},
	}
	SortDrawOrder(s)
	want := []string{"d", "a", "b", "c"}
	for i, id := range want {
		if s[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, s[i].ID)
		}
	}
}

func TestSortDrawOrder_SameMillisecondKeepsInsertionOrder(t *testing.T) {
	s := Snapshot{
		{ID: "aa-second", CreatedAt: 5, Seq: 2},
		{ID: "zz-first", CreatedAt: 5, Seq: 1},
		{ID: "mm-third", CreatedAt: 5, Seq: 3},
	}
	SortDrawOrder(s)
	want := []string{"zz-first", "aa-second", "mm-third"}
	for i, id := range want {
		if s[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, s[i].ID)
		}
	}
}

func TestSortDrawOrder_ExtremeZIndex(t *testing.T) {
	s := Snapshot{
		{ID: "high", ZIndex: 1 << 62},
		{ID: "low", ZIndex: -(1 << 62)},
		{ID: "mid", ZIndex: 0},
	}
	SortDrawOrder(s)
	want := []string{"low", "mid", "high"}
	for i, id := range want {
		if s[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, s[i].ID)
		}
	}
}

func TestIsValidShapeType(t *testing.T) {
	if !IsValidShapeType(ShapePolygon) || IsValidShapeType("star") {
		t.Fatal("shape validation mismatch")
	}
}
