package logging

import (
	"os"
	"strings"
	"testing"
)

func TestRotatingWriterKeepsBackups(t *testing.T) {
	path := t.TempDir() + "/updater.log"
	rw, err := NewRotatingWriterBytes(path, 10, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriterBytes: %v", err)
	}
	defer rw.Close()

	var rotated []string
	rw.OnRotate(func(p string) { rotated = append(rotated, p) })

	for _, line := range []string{"first-\n", "second\n", "third-\n", "fourth\n"} {
		if _, err := rw.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	read := func(p string) string {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		return string(data)
	}
	if got := read(path); got != "fourth\n" {
		t.Fatalf("active = %q", got)
	}
	if got := read(rw.Backup(1)); got != "third-\n" {
		t.Fatalf("backup 1 = %q", got)
	}
	if got := read(rw.Backup(2)); got != "second\n" {
		t.Fatalf("backup 2 = %q", got)
	}
	if _, err := os.Stat(rw.Backup(3)); !os.IsNotExist(err) {
		t.Fatalf("backup 3 should not exist, stat err = %v", err)
	}
	if len(rotated) != 3 || rotated[0] != rw.Backup(1) {
		t.Fatalf("rotation callbacks = %v", rotated)
	}
}

func TestRotatingWriterNeverSplitsOversizedWrite(t *testing.T) {
	path := t.TempDir() + "/big.log"
	rw, err := NewRotatingWriterBytes(path, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	big := strings.Repeat("x", 32)
	if _, err := rw.Write([]byte(big)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rw.Size() != 32 {
		t.Fatalf("size = %d", rw.Size())
	}
	if _, err := os.Stat(rw.Backup(1)); !os.IsNotExist(err) {
		t.Fatal("first write into an empty file must not rotate")
	}
}

func TestRotatingWriterResumesExistingFile(t *testing.T) {
	path := t.TempDir() + "/existing.log"
	os.WriteFile(path, []byte("12345"), 0o600)

	rw, err := NewRotatingWriterBytes(path, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rw.Size() != 5 {
		t.Fatalf("size = %d, want existing 5", rw.Size())
	}
	rw.Write([]byte("6789"))
	rw.Close()

	if data, _ := os.ReadFile(rw.Backup(1)); string(data) != "12345" {
		t.Fatalf("backup = %q", data)
	}
	if _, err := rw.Write([]byte("x")); err == nil {
		t.Fatal("write after Close should fail")
	}
}
