package ids

import "testing"

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		cur := New()
		if cur <= prev {
			t.Fatalf("ids not monotonically increasing: %s <= %s", cur, prev)
		}
		prev = cur
	}
}
