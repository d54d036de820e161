package ipc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestWriteAtomicLeavesNoTmpFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	if err := writeAtomic(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected final file to exist: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected .tmp file to be gone, got err=%v", err)
	}
}

func TestNewFilenameIsTimestampOrderable(t *testing.T) {
	a := newFilename()
	b := newFilename()
	if a == b {
		t.Fatalf("expected distinct filenames, got %q twice", a)
	}
	if filepath.Ext(a) != ".json" || filepath.Ext(b) != ".json" {
		t.Fatalf("expected .json filenames, got %q, %q", a, b)
	}
	msA, _, okA := strings.Cut(a, "-")
	msB, _, okB := strings.Cut(b, "-")
	if !okA || !okB {
		t.Fatalf("expected <ms>-<rand>.json filenames, got %q, %q", a, b)
	}
	tsA, errA := strconv.ParseInt(msA, 10, 64)
	tsB, errB := strconv.ParseInt(msB, 10, 64)
	if errA != nil || errB != nil {
		t.Fatalf("expected a millisecond timestamp prefix, got %q, %q", a, b)
	}
	if tsB < tsA {
		t.Fatalf("expected the later filename's timestamp (%d) to be >= the earlier one's (%d)", tsB, tsA)
	}
}

func TestListJSONFilesSortedSkipsTmpAndNonJSON(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1-aaaa.json", "2-bbbb.json.tmp", "notjson.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	names, err := listJSONFilesSorted(dir)
	if err != nil {
		t.Fatalf("listJSONFilesSorted: %v", err)
	}
	if len(names) != 1 || names[0] != "1-aaaa.json" {
		t.Fatalf("expected exactly [1-aaaa.json], got %v", names)
	}
}

func TestEnsureSecretIsStableAcrossCalls(t *testing.T) {
	paths := Paths{Root: t.TempDir()}
	first, err := paths.EnsureSecret()
	if err != nil {
		t.Fatalf("EnsureSecret: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %q", len(first), first)
	}

	second, err := paths.EnsureSecret()
	if err != nil {
		t.Fatalf("EnsureSecret (second call): %v", err)
	}
	if first != second {
		t.Fatalf("expected .ipc_secret to never be overwritten, got %q then %q", first, second)
	}
}

func TestListJSONFilesSortedMissingDirIsEmpty(t *testing.T) {
	names, err := listJSONFilesSorted(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected empty slice, got %v", names)
	}
}
