package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 {
		t.Fatalf("unexpected id length %d", len(a))
	}
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestNewKeyExtension(t *testing.T) {
	key := NewKey(".PDF")
	if !strings.HasSuffix(key, ".pdf") {
		t.Fatalf("expected .pdf suffix, got %s", key)
	}
	if strings.Contains(NewKey(""), ".") {
		t.Fatalf("expected bare id without extension")
	}
}
