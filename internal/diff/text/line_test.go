package text

import (
	"strings"
	"testing"
)

func TestLineDiff_Calculate(t *testing.T) {
	d := NewLineDiff()

	t.Run("NoDifference", func(t *testing.T) {
		doc := []byte("<html>\n<body>\n</body>\n</html>")

		result, err := d.Calculate(doc, doc)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Ratio != 0.0 {
			t.Errorf("Expected Ratio to be 0.0, got %f", result.Ratio)
		}
	})

	t.Run("CompleteDifference", func(t *testing.T) {
		result, err := d.Calculate([]byte("alpha\nbravo"), []byte("charlie\ndelta"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Ratio != 1.0 {
			t.Errorf("Expected Ratio to be 1.0, got %f", result.Ratio)
		}
	})

	t.Run("SingleLineChanged", func(t *testing.T) {
		before := []byte("<html>\n<h1>Products</h1>\n</html>")
		after := []byte("<html>\n<h1>Catalog</h1>\n</html>")

		result, err := d.Calculate(before, after)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		diff := string(result.Diff)
		if !strings.Contains(diff, "- <h1>Products</h1>") {
			t.Errorf("Expected removed line in diff, got:\n%s", diff)
		}
		if !strings.Contains(diff, "+ <h1>Catalog</h1>") {
			t.Errorf("Expected added line in diff, got:\n%s", diff)
		}
		if result.Ratio != 2.0/6.0 {
			t.Errorf("Expected Ratio to be 1/3, got %f", result.Ratio)
		}
	})

	t.Run("BothEmpty", func(t *testing.T) {
		result, err := d.Calculate(nil, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if result.Ratio != 0.0 {
			t.Errorf("Expected Ratio to be 0.0 for empty inputs, got %f", result.Ratio)
		}
	})
}
