package device

import (
	"path/filepath"
	"testing"
)

func TestFileDeviceReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.db")

	d, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer d.Close()

	offset, err := d.AllocPage(4096)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if offset != 0 {
		t.Fatalf("expected first page at offset 0, got %d", offset)
	}

	payload := make([]byte, 4096)
	copy(payload, "hello page")
	if err := d.WriteAt(payload, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	out := make([]byte, 4096)
	if err := d.ReadAt(out, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(out[:10]) != "hello page" {
		t.Fatalf("expected round-tripped payload, got %q", out[:10])
	}
}

func TestFileDeviceReadPastEndFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.db")
	d, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer d.Close()

	buf := make([]byte, 16)
	if err := d.ReadAt(buf, 0); err != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestFileDeviceReopenSeesPriorWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.db")

	d1, err := OpenFile(path, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	payload := make([]byte, 4096)
	copy(payload, "persisted")
	offset, _ := d1.AllocPage(4096)
	if err := d1.WriteAt(payload, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := d1.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := d1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := OpenFile(path, true)
	if err != nil {
		t.Fatalf("reopen OpenFile: %v", err)
	}
	defer d2.Close()

	out := make([]byte, 9)
	if err := d2.ReadAt(out, offset); err != nil {
		t.Fatalf("ReadAt after reopen: %v", err)
	}
	if string(out) != "persisted" {
		t.Fatalf("expected persisted payload, got %q", out)
	}
}

func TestMemDeviceGrowsOnWrite(t *testing.T) {
	d := NewMemDevice()

	offset, err := d.AllocPage(128)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	size, _ := d.Size()
	if size != 128 {
		t.Fatalf("expected size 128, got %d", size)
	}

	data := []byte("memory backend")
	if err := d.WriteAt(data, offset+64); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	out := make([]byte, len(data))
	if err := d.ReadAt(out, offset+64); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(out) != string(data) {
		t.Fatalf("expected %q, got %q", data, out)
	}
}
