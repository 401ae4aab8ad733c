package filekv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/dmakasi/mahudhurio/storage/keyvalue"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if _, err = s.Get("authToken"); !errors.Is(err, keyvalue.ErrNotFound) {
		t.Errorf("Get() on empty store: expected ErrNotFound, got %v", err)
	}

	if err = s.Set("authToken", []byte("Basic dGVzdDp4")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	val, err := s.Get("authToken")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(val) != "Basic dGVzdDp4" {
		t.Errorf("Get() = %q; expected %q", val, "Basic dGVzdDp4")
	}

	if err = s.Delete("authToken", "nosuchkey"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err = s.Get("authToken"); !errors.Is(err, keyvalue.ErrNotFound) {
		t.Errorf("Get() after Delete(): expected ErrNotFound, got %v", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err = s.Set("userDetails", []byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	val, err := s2.Get("userDetails")
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if string(val) != `{"id":"1"}` {
		t.Errorf("Get() after reopen = %q", val)
	}
}

func TestStoreFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err = s.Set("authToken", []byte("secret")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o; expected 600", perm)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open() on corrupt file: expected error")
	}
}
