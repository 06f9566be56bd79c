package runtime

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSessionStore(t *testing.T) {
	s := NewSessionStore()
	a := s.Create()
	b := s.Create()
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("session ids %q, %q", a.ID, b.ID)
	}

	updated, err := s.Update(a.ID, func(sess *Session) {
		sess.TaskPath = "exported/x"
		sess.URI = "s3://bucket/x"
		sess.ID = "overwritten"
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.ID != a.ID || !updated.HasTask() {
		t.Errorf("Update() = %+v", updated)
	}

	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.URI = "mutated copy"
	again, _ := s.Get(a.ID)
	if again.URI != "s3://bucket/x" {
		t.Error("Get() returned a shared session")
	}

	if n := len(s.List()); n != 2 {
		t.Errorf("List() = %d sessions, want 2", n)
	}

	s.Delete(a.ID)
	if _, err := s.Get(a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after Delete error = %v", err)
	}
	if _, err := s.Update(a.ID, func(*Session) {}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Update() after Delete error = %v", err)
	}
}

func TestLockBatchExports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exported")

	first, err := LockBatchExports(dir, "20260101_000000_000001")
	if err != nil {
		t.Fatalf("LockBatchExports() error = %v", err)
	}

	_, err = LockBatchExports(dir, "20260101_000000_000001")
	if !errors.Is(err, ErrExportLocked) {
		t.Fatalf("second LockBatchExports() error = %v, want ErrExportLocked", err)
	}

	// Another batch in the same export root is not blocked.
	other, err := LockBatchExports(dir, "20260101_000000_000002")
	if err != nil {
		t.Fatalf("LockBatchExports() on another batch error = %v", err)
	}
	_ = other.Unlock()

	if err := first.Unlock(); err != nil {
		t.Fatal(err)
	}
	second, err := LockBatchExports(dir, "20260101_000000_000001")
	if err != nil {
		t.Fatalf("LockBatchExports() after unlock error = %v", err)
	}
	_ = second.Unlock()
	_ = second.Unlock()
}

func TestLockBatchExportsRejectsBadIDs(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := LockBatchExports(dir, id); err == nil {
			t.Errorf("LockBatchExports(%q) error = nil", id)
		}
	}
}
