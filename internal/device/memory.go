package device

import "sync"

// MemDevice is an in-memory Device, used for the "memory" environment mode.
// Flush is a no-op since there is nothing durable to sync.
type MemDevice struct {
	mu   sync.Mutex
	buf  []byte
	next int64 // synthetic address counter; mirrors file offsets
}

// NewMemDevice creates an empty in-memory device.
func NewMemDevice() *MemDevice {
	return &MemDevice{}
}

func (d *MemDevice) ReadAt(buf []byte, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset < 0 || offset+int64(len(buf)) > int64(len(d.buf)) {
		return ErrShortRead
	}
	copy(buf, d.buf[offset:offset+int64(len(buf))])
	return nil
}

func (d *MemDevice) WriteAt(buf []byte, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := offset + int64(len(buf))
	if end > int64(len(d.buf)) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}
	copy(d.buf[offset:end], buf)
	return nil
}

func (d *MemDevice) AllocPage(size int) (int64, error) {
	d.mu.Lock()
	offset := d.next
	d.next += int64(size)
	d.mu.Unlock()

	return offset, d.WriteAt(make([]byte, size), offset)
}

func (d *MemDevice) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if size <= int64(len(d.buf)) {
		d.buf = d.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, d.buf)
	d.buf = grown
	return nil
}

func (d *MemDevice) Flush() error { return nil }

func (d *MemDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.buf)), nil
}

func (d *MemDevice) Close() error { return nil }

var _ Device = (*MemDevice)(nil)
