package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// FileDevice is a file-backed Device. Reads are served from a growable
// read-only mmap (refreshed as the file grows); writes go straight to the
// file through pwrite so a write is visible to the next ReadAt without
// waiting for the mmap to be remapped.
type FileDevice struct {
	path        string
	fd          int
	durableSync bool

	mu     sync.Mutex
	size   int64
	mapped int64
	chunks [][]byte
}

// OpenFile opens or creates path for use as a Device. The containing
// directory is fsynced once after creation so the directory entry itself
// survives a crash, mirroring the reference engine's create_file_sync path.
func OpenFile(path string, durableSync bool) (*FileDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	if dirfd, derr := unix.Open(filepath.Dir(path), unix.O_RDONLY, 0); derr == nil {
		_ = unix.Fsync(dirfd)
		_ = unix.Close(dirfd)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("device: fstat %s: %w", path, err)
	}

	d := &FileDevice{path: path, fd: fd, durableSync: durableSync, size: st.Size}
	if st.Size > 0 {
		if err := d.remap(st.Size); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}
	return d, nil
}

func (d *FileDevice) ReadAt(buf []byte, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset < 0 || offset+int64(len(buf)) > d.size {
		return ErrShortRead
	}

	start := int64(0)
	for _, chunk := range d.chunks {
		end := start + int64(len(chunk))
		if offset >= start && offset+int64(len(buf)) <= end {
			copy(buf, chunk[offset-start:])
			return nil
		}
		start = end
	}
	// Falls outside the mapped region (a write landed past it); read
	// straight from the file descriptor instead.
	n, err := unix.Pread(d.fd, buf, offset)
	if err != nil {
		return fmt.Errorf("device: pread: %w", err)
	}
	if n != len(buf) {
		return ErrShortRead
	}
	return nil
}

func (d *FileDevice) WriteAt(buf []byte, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := unix.Pwrite(d.fd, buf, offset)
	if err != nil {
		return fmt.Errorf("device: pwrite: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("device: short write (%d of %d bytes)", n, len(buf))
	}
	if end := offset + int64(len(buf)); end > d.size {
		d.size = end
	}
	return nil
}

func (d *FileDevice) AllocPage(size int) (int64, error) {
	d.mu.Lock()
	offset := d.size
	d.mu.Unlock()

	zero := make([]byte, size)
	if err := d.WriteAt(zero, offset); err != nil {
		return 0, err
	}
	return offset, nil
}

func (d *FileDevice) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := unix.Ftruncate(d.fd, size); err != nil {
		return fmt.Errorf("device: truncate: %w", err)
	}
	d.size = size
	return nil
}

func (d *FileDevice) Flush() error {
	if !d.durableSync {
		return nil
	}
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("device: fsync: %w", err)
	}
	return nil
}

func (d *FileDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size, nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, chunk := range d.chunks {
		_ = unix.Munmap(chunk)
	}
	d.chunks = nil
	return unix.Close(d.fd)
}

// Remap refreshes the read mmap so recently-appended bytes become visible
// to ReadAt without a syscall; the page manager calls this after extending
// the device during a flush.
func (d *FileDevice) Remap(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remap(size)
}

// remap must be called with mu held.
func (d *FileDevice) remap(size int64) error {
	if size <= d.mapped {
		return nil
	}

	alloc := size - d.mapped
	const minChunk = 64 << 20
	if alloc < minChunk {
		alloc = minChunk
	}

	chunk, err := unix.Mmap(d.fd, d.mapped, int(alloc), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("device: mmap: %w", err)
	}

	d.chunks = append(d.chunks, chunk)
	d.mapped += alloc
	return nil
}

var _ Device = (*FileDevice)(nil)

// Remove deletes the backing file; used by tests and by database-drop.
func Remove(path string) error {
	return os.Remove(path)
}
