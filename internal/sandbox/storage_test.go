package sandbox

import (
	"fmt"
	"testing"
	"time"
)

func TestStorage(t *testing.T) {
	storage := NewStorage(10)

	msg := &Message{ID: "m1", Subject: "Turno B", Mode: ModeSandbox, CapturedAt: time.Now()}
	storage.Save(msg)

	got := storage.Get("m1")
	if got == nil || got.Subject != "Turno B" {
		t.Errorf("Get() = %+v", got)
	}
	if storage.Get("missing") != nil {
		t.Error("expected nil for unknown id")
	}
}

func TestStorageList(t *testing.T) {
	storage := NewStorage(10)
	base := time.Now()
	for i := 0; i < 5; i++ {
		mode := ModeSandbox
		if i%2 == 1 {
			mode = ModeRedirect
		}
		storage.Save(&Message{ID: fmt.Sprintf("m%d", i), Mode: mode, CapturedAt: base.Add(time.Duration(i) * time.Second)})
	}

	tests := []struct {
		name    string
		filter  ListFilter
		wantIDs []string
	}{
		{"all newest first", ListFilter{}, []string{"m4", "m3", "m2", "m1", "m0"}},
		{"limit", ListFilter{Limit: 2}, []string{"m4", "m3"}},
		{"offset", ListFilter{Offset: 3}, []string{"m1", "m0"}},
		{"mode", ListFilter{Mode: ModeRedirect}, []string{"m3", "m1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := storage.List(tc.filter)
			if len(got) != len(tc.wantIDs) {
				t.Fatalf("got %d messages, want %d", len(got), len(tc.wantIDs))
			}
			for i, m := range got {
				if m.ID != tc.wantIDs[i] {
					t.Errorf("position %d = %s, want %s", i, m.ID, tc.wantIDs[i])
				}
			}
		})
	}
}

func TestStorageCapacity(t *testing.T) {
	storage := NewStorage(3)
	for i := 0; i < 5; i++ {
		storage.Save(&Message{ID: fmt.Sprintf("m%d", i)})
	}

	got := storage.List(ListFilter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].ID != "m4" || got[2].ID != "m2" {
		t.Errorf("oldest messages should be dropped first: %s..%s", got[0].ID, got[2].ID)
	}
}

func TestStorageClear(t *testing.T) {
	storage := NewStorage(10)
	storage.Save(&Message{ID: "a"})
	storage.Save(&Message{ID: "b"})

	if n := storage.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if len(storage.List(ListFilter{})) != 0 {
		t.Error("storage should be empty")
	}
}

func TestStorageStats(t *testing.T) {
	storage := NewStorage(10)
	t0 := time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
	storage.Save(&Message{ID: "a", Mode: ModeSandbox, CapturedAt: t0})
	storage.Save(&Message{ID: "b", Mode: ModeRedirect, CapturedAt: t0.Add(time.Minute)})
	storage.Save(&Message{ID: "c", Mode: ModeSandbox, CapturedAt: t0.Add(2 * time.Minute)})

	stats := storage.Stats()
	if stats.Total != 3 {
		t.Errorf("Total = %d", stats.Total)
	}
	if stats.ByMode[ModeSandbox] != 2 || stats.ByMode[ModeRedirect] != 1 {
		t.Errorf("ByMode = %v", stats.ByMode)
	}
	if !stats.OldestAt.Equal(t0) || !stats.NewestAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("range = %v..%v", stats.OldestAt, stats.NewestAt)
	}
}
