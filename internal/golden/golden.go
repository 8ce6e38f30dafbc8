// Package golden compares test output with golden files kept under
// testdata.
package golden

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Compare checks the lines of got against the golden file at path. With
// update set, it rewrites the file instead.
func Compare(path string, update bool, got []string) error {
	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(strings.Join(got, "\n")+"\n"), 0o640)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	want := strings.Split(strings.TrimSuffix(string(bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))), "\n"), "\n")
	var errs []error
	for i := range min(len(got), len(want)) {
		if got[i] != want[i] {
			errs = append(errs, fmt.Errorf("%s:%d: got %q, want %q", filepath.Base(path), i+1, got[i], want[i]))
			if len(errs) == 5 {
				break
			}
		}
	}
	if len(got) != len(want) {
		errs = append(errs, fmt.Errorf("%s: %d lines, want %d", filepath.Base(path), len(got), len(want)))
	}
	return errors.Join(errs...)
}
