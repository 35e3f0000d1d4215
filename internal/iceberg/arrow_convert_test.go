package iceberg

import (
	"testing"
)

func TestRowsToArrowRoundTrip(t *testing.T) {
	rows := []map[string]any{
		{"id": int64(1), "score": 0.5, "ok": true, "name": "a"},
		{"id": int64(2), "score": 1.5, "ok": false, "name": "b"},
		{"id": nil, "score": nil, "ok": nil, "name": nil},
	}
	columns := []string{"id", "score", "ok", "name"}

	rec, err := rowsToArrow(rows, columns)
	if err != nil {
		t.Fatalf("rowsToArrow: %v", err)
	}
	defer rec.Release()

	if rec.NumRows() != 3 || rec.NumCols() != 4 {
		t.Fatalf("unexpected shape %dx%d", rec.NumRows(), rec.NumCols())
	}

	back, err := arrowToRows(rec)
	if err != nil {
		t.Fatalf("arrowToRows: %v", err)
	}
	if len(back) != 3 {
		t.Fatalf("expected 3 rows back, got %d", len(back))
	}
	if back[0]["id"] != int64(1) || back[1]["name"] != "b" || back[0]["ok"] != true {
		t.Fatalf("values lost in round trip: %+v", back)
	}
	for col, v := range back[2] {
		if v != nil {
			t.Fatalf("null lost for column %s: %v", col, v)
		}
	}
}

func TestRowsToArrowIntWidening(t *testing.T) {
	rec, err := rowsToArrow([]map[string]any{{"n": 7}}, []string{"n"})
	if err != nil {
		t.Fatalf("rowsToArrow: %v", err)
	}
	defer rec.Release()

	back, err := arrowToRows(rec)
	if err != nil {
		t.Fatalf("arrowToRows: %v", err)
	}
	if back[0]["n"] != int64(7) {
		t.Fatalf("int should widen to int64, got %T %v", back[0]["n"], back[0]["n"])
	}
}

func TestInferTypeSkipsNulls(t *testing.T) {
	rows := []map[string]any{{"x": nil}, {"x": 3.14}}
	if typ := inferType(rows, "x"); typ.ID() != inferType([]map[string]any{{"x": 1.0}}, "x").ID() {
		t.Fatalf("type inference should skip leading nulls, got %v", typ)
	}
}
