package blocks

import "testing"

func TestNewIDUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id.IsZero() {
			t.Fatal("NewID returned the zero ID")
		}
		if seen[id] {
			t.Fatalf("NewID returned duplicate %s", id)
		}
		seen[id] = true
	}
}

func TestParseID(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID(%q): %v", id, err)
	}
	if parsed != id {
		t.Errorf("ParseID round trip = %s, want %s", parsed, id)
	}

	for _, bad := range []string{"", "xyz", "00ff", id.String() + "00"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) succeeded, want error", bad)
		}
	}
}
