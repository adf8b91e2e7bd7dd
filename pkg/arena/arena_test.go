package arena

import (
	"errors"
	"testing"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
)

func TestArena_AddAndFlush(t *testing.T) {
	a := New()
	if !a.Empty() || a.ApproximateSize() != 0 {
		t.Fatal("new arena must be empty")
	}

	for i := 0; i < 3; i++ {
		if err := a.AddRecord(msg.NewObject(msg.F(1, msg.Int64(int64(i))))); err != nil {
			t.Fatalf("AddRecord failed: %v", err)
		}
	}
	if a.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", a.Len())
	}
	if a.ApproximateSize() == 0 {
		t.Fatal("expected a non-zero size estimate")
	}

	records, err := a.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	for i, rec := range records {
		v, _ := rec.Get(1)
		if v.Int64 != int64(i) {
			t.Fatalf("record %d out of order: %d", i, v.Int64)
		}
	}
	if !a.Sealed() {
		t.Fatal("arena must be sealed after flush")
	}
}

func TestArena_SealedRejects(t *testing.T) {
	a := New()
	if _, err := a.Flush(); err != nil {
		t.Fatalf("first Flush failed: %v", err)
	}
	if _, err := a.Flush(); !errors.Is(err, dberrors.ErrArenaSealed) {
		t.Fatalf("expected ErrArenaSealed on second flush, got %v", err)
	}
	if err := a.AddRecord(msg.NewObject()); !errors.Is(err, dberrors.ErrArenaSealed) {
		t.Fatalf("expected ErrArenaSealed on append, got %v", err)
	}
}
