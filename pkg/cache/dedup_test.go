package cache

import (
	"fmt"
	"testing"
)

func TestDedupAddAndSeen(t *testing.T) {
	d := New(Config{})
	if !d.Add("a") {
		t.Error("first Add should report new")
	}
	if d.Add("a") {
		t.Error("second Add should report duplicate")
	}
	if !d.Seen("a") {
		t.Error("Seen(a) should be true")
	}
	if d.Seen("b") {
		t.Error("Seen(b) should be false on first sight")
	}
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
}

func TestDedupBoundsAndRecency(t *testing.T) {
	d := New(Config{})
	for i := 0; i <= DefaultMax; i++ {
		d.Add(fmt.Sprintf("id-%d", i))
		if d.Len() > DefaultMax {
			t.Fatalf("Len = %d exceeds %d after %d inserts", d.Len(), DefaultMax, i+1)
		}
	}
	if d.Len() != DefaultKeep {
		t.Fatalf("Len = %d after overflow, want %d", d.Len(), DefaultKeep)
	}
	for i := 0; i <= DefaultMax-DefaultKeep; i++ {
		if d.Contains(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("old id-%d should have been trimmed", i)
		}
	}
	for i := DefaultMax - DefaultKeep + 1; i <= DefaultMax; i++ {
		if !d.Contains(fmt.Sprintf("id-%d", i)) {
			t.Fatalf("recent id-%d should be kept", i)
		}
	}
}

func TestDedupTrim(t *testing.T) {
	tests := []struct {
		name      string
		max, keep int
		inserts   int
		wantLen   int
	}{
		{"under bound", 10, 5, 10, 10},
		{"over bound", 10, 5, 11, 5},
		{"keep defaults to half", 10, 0, 11, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Config{Max: tt.max, Keep: tt.keep})
			for i := 0; i < tt.inserts; i++ {
				d.Add(fmt.Sprint(i))
			}
			d.Trim()
			if d.Len() != tt.wantLen {
				t.Errorf("Len = %d, want %d", d.Len(), tt.wantLen)
			}
		})
	}
}

func TestDedupRemove(t *testing.T) {
	d := New(Config{Max: 4, Keep: 2})
	d.Add("a")
	d.Add("b")
	if !d.Remove("a") || d.Remove("a") {
		t.Fatal("Remove should report presence once")
	}
	if d.Contains("a") || d.Len() != 1 {
		t.Errorf("a still remembered, Len = %d", d.Len())
	}
	if !d.Add("a") {
		t.Error("removed id should be accepted again")
	}
	for _, id := range []string{"c", "d", "e"} {
		d.Add(id)
	}
	if d.Contains("b") || !d.Contains("e") {
		t.Errorf("trim order broken after Remove, Len = %d", d.Len())
	}
}
