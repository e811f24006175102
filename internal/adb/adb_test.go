package adb

import "testing"

func TestParseWMSize(t *testing.T) {
	w, h, ok := parseWMSize("Physical size: 1080x2400\n")
	if !ok || w != 1080 || h != 2400 {
		t.Fatalf("got w=%d h=%d ok=%v", w, h, ok)
	}
}

func TestParseWMSizeMalformed(t *testing.T) {
	if _, _, ok := parseWMSize("nonsense"); ok {
		t.Fatal("expected ok=false for malformed input")
	}
}

func TestParseWMDensity(t *testing.T) {
	d, ok := parseWMDensity("Physical density: 420\n")
	if !ok || d != 420 {
		t.Fatalf("got d=%d ok=%v", d, ok)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "x", "y"); got != "x" {
		t.Errorf("got %q, want x", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
