package golden

import (
	"path/filepath"
	"testing"
)

func TestCompare(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testdata", "lines.golden")
	lines := []string{"W 40020008 00002090", "R 40020008 00002090"}
	if err := Compare(path, true, lines); err != nil {
		t.Fatal(err)
	}
	if err := Compare(path, false, lines); err != nil {
		t.Error(err)
	}
	if err := Compare(path, false, lines[:1]); err == nil {
		t.Error("missing line not reported")
	}
	if err := Compare(path, false, []string{lines[0], "R 40020008 00002091"}); err == nil {
		t.Error("changed line not reported")
	}
	if err := Compare(filepath.Join(t.TempDir(), "none"), false, lines); err == nil {
		t.Error("missing golden file not reported")
	}
}
