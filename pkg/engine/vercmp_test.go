package engine

import "testing"

func TestVercmp(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0-1", "1.0-2", -1},
		{"1.10", "1.9", 1},
		{"1.9.9", "1.10", -1},
		{"1.0alpha", "1.0", -1},
		{"1.0", "1.0.1", -1},
		{"1.0a", "1.0b", -1},
		{"1.0.a", "1.0.1", -1},
		{"001", "1", 0},
		{"1:1.0", "2.0", 1},
		{"0:2.0", "2.0", 0},
		{"2.0", "1:1.0", -1},
		{"6.9.1.arch1-1", "6.9.0.arch1-1", 1},
		{"5.2.026-2", "5.2.026-2", 0},
		{"1.0-1", "1.0", 0},
		{"1.0+1", "1.0.1", 0},
		{"1.0..1", "1.0.1", 1},
		{"r123.abcdef", "r99.abcdef", 1},
	}

	for _, tt := range tests {
		if got := Vercmp(tt.a, tt.b); got != tt.want {
			t.Errorf("Vercmp(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := Vercmp(tt.b, tt.a); got != -tt.want {
			t.Errorf("Vercmp(%q, %q) = %d, want %d", tt.b, tt.a, got, -tt.want)
		}
	}
}
