package codegen

import (
	"strconv"
	"testing"
)

func TestCryptoGenerator_Generate(t *testing.T) {
	gen := NewCryptoGenerator()

	t.Run("produces fixed-width decimal codes", func(t *testing.T) {
		for range 200 {
			code, err := gen.Generate(6)
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if len(code) != 6 {
				t.Fatalf("len(%q) = %d, want 6", code, len(code))
			}
			n, err := strconv.Atoi(code)
			if err != nil {
				t.Fatalf("code %q is not numeric: %v", code, err)
			}
			if n < 0 || n > 999999 {
				t.Fatalf("code %q out of range", code)
			}
		}
	})

	t.Run("rejects non-positive widths", func(t *testing.T) {
		if _, err := gen.Generate(0); err == nil {
			t.Fatal("expected error for zero digits")
		}
		if _, err := gen.Generate(-3); err == nil {
			t.Fatal("expected error for negative digits")
		}
	})

	t.Run("rejects widths beyond int64 range", func(t *testing.T) {
		if _, err := gen.Generate(19); err == nil {
			t.Fatal("expected error for oversized width")
		}
	})
}
