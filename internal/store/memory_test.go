package store

import (
	"context"
	"testing"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &Record{Name: "runner-fc-acme-deadbeef00-0", Status: "creating", Tags: []string{"small"}, QuantityMax: 4}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, rec.Name)
	if err != nil || !ok {
		t.Fatalf("Get: got=%v ok=%v err=%v", got, ok, err)
	}
	if got.Status != "creating" {
		t.Fatalf("expected status creating, got %s", got.Status)
	}

	if err := s.Delete(ctx, rec.Name); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = s.Get(ctx, rec.Name)
	if err != nil || ok {
		t.Fatalf("expected record gone after delete, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreManagerRunningDefaultsTrue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	running, err := s.ManagerRunning(ctx)
	if err != nil || !running {
		t.Fatalf("expected manager_running to default true, got %v err=%v", running, err)
	}

	if err := s.SetManagerRunning(ctx, false); err != nil {
		t.Fatalf("SetManagerRunning: %v", err)
	}
	running, err = s.ManagerRunning(ctx)
	if err != nil || running {
		t.Fatalf("expected manager_running false after drain, got %v err=%v", running, err)
	}
}

func TestMemoryStoreListReturnsAllRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, name := range []string{"runner-fc-acme-aaaaaaaaaa-0", "runner-fc-acme-aaaaaaaaaa-1"} {
		if err := s.Put(ctx, &Record{Name: name, Status: "creating"}); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &Record{
		Name:          "runner-fc-acme-deadbeef00-0",
		Tags:          []string{"linux", "small"},
		Config:        map[string]any{"image": "x"},
		QuantityMin:   1,
		QuantityMax:   4,
		Status:        "offline",
		StatusHistory: []string{"offline", "online", "running"},
	}

	r, err := rec.ToRunner(nil)
	if err != nil {
		t.Fatalf("ToRunner: %v", err)
	}
	if !r.HasRun() {
		t.Fatalf("expected reconstructed runner to report has_run")
	}

	back := NewRecord(r)
	if back.Status != rec.Status || len(back.StatusHistory) != len(rec.StatusHistory) {
		t.Fatalf("round trip mismatch: got %+v want %+v", back, rec)
	}

	if err := s.Put(ctx, back); err != nil {
		t.Fatalf("Put round-tripped record: %v", err)
	}
}
