package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterRollsOverAtLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placewatch.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 600<<10)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backup beyond maxBackups should not exist, stat err = %v", err)
	}
}

func TestRotatingWriterAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placewatch.log")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(path, 1, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.Write([]byte("new\n"))
	rw.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "old\nnew\n" {
		t.Fatalf("file = %q, want appended content", data)
	}
}
